package cert

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/opd-ai/steamdatagram/crypto"
)

// Text framing for certificates and secret keys. The blocks look like
// PEM but the bracket lines are part of the format and must match
// exactly, so the framing is done by hand rather than with encoding/pem.
const (
	certTextHeader = "-----BEGIN STEAMDATAGRAM CERT-----"
	certTextFooter = "-----END STEAMDATAGRAM CERT-----"

	secretKeyTextHeader = "-----BEGIN STEAMDATAGRAM SECRET KEY-----"
	secretKeyTextFooter = "-----END STEAMDATAGRAM SECRET KEY-----"

	textLineWidth = 64
)

// EncodeSignedText renders a signed certificate in its transportable
// text form.
func EncodeSignedText(s *Signed) (string, error) {
	body, err := s.Serialize()
	if err != nil {
		return "", err
	}
	return encodeTextBlock(certTextHeader, certTextFooter, body), nil
}

// ParseSignedText decodes the text form produced by EncodeSignedText.
func ParseSignedText(text string) (*Signed, error) {
	body, err := parseTextBlock(certTextHeader, certTextFooter, text)
	if err != nil {
		return nil, err
	}
	return ParseSigned(body)
}

// EncodeSecretKeyText renders an Ed25519 private key in the PEM-style
// block the cert tool stores on disk.
func EncodeSecretKeyText(key crypto.SigningPrivateKey) string {
	return encodeTextBlock(secretKeyTextHeader, secretKeyTextFooter, key[:])
}

// ParseSecretKeyText decodes the secret-key text block.
func ParseSecretKeyText(text string) (crypto.SigningPrivateKey, error) {
	var key crypto.SigningPrivateKey
	body, err := parseTextBlock(secretKeyTextHeader, secretKeyTextFooter, text)
	if err != nil {
		return key, err
	}
	if len(body) != len(key) {
		return key, fmt.Errorf("%w: secret key is %d bytes", ErrBadCert, len(body))
	}
	copy(key[:], body)
	crypto.ZeroBytes(body)
	return key, nil
}

func encodeTextBlock(header, footer string, body []byte) string {
	encoded := base64.StdEncoding.EncodeToString(body)
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteByte('\n')
	for len(encoded) > textLineWidth {
		sb.WriteString(encoded[:textLineWidth])
		sb.WriteByte('\n')
		encoded = encoded[textLineWidth:]
	}
	sb.WriteString(encoded)
	sb.WriteByte('\n')
	sb.WriteString(footer)
	sb.WriteByte('\n')
	return sb.String()
}

func parseTextBlock(header, footer, text string) ([]byte, error) {
	start := strings.Index(text, header)
	end := strings.Index(text, footer)
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("%w: missing %s block", ErrBadCert, header)
	}
	b64 := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, text[start+len(header):end])
	body, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCert, err)
	}
	return body, nil
}

// MarshalAuthorizedKey renders an Ed25519 public key in the OpenSSH
// authorized_keys form, with an optional free-form comment.
func MarshalAuthorizedKey(pub crypto.SigningPublicKey, comment string) (string, error) {
	sshPub, err := ssh.NewPublicKey(ed25519.PublicKey(pub[:]))
	if err != nil {
		return "", err
	}
	line := strings.TrimRight(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}

// ParseAuthorizedKey parses an OpenSSH authorized_keys line carrying an
// Ed25519 key, returning the raw key and the comment.
func ParseAuthorizedKey(line string) (crypto.SigningPublicKey, string, error) {
	var pub crypto.SigningPublicKey
	sshPub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return pub, "", fmt.Errorf("%w: %v", ErrBadCert, err)
	}
	ck, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return pub, "", fmt.Errorf("%w: unsupported key type %s", ErrBadCert, sshPub.Type())
	}
	edPub, ok := ck.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return pub, "", fmt.Errorf("%w: key is not ed25519", ErrBadCert)
	}
	copy(pub[:], edPub)
	return pub, comment, nil
}
