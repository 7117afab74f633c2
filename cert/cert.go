package cert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/steamdatagram/crypto"
)

// KeyType identifies the algorithm of the public key carried in a
// certificate.
type KeyType int32

const (
	KeyTypeInvalid KeyType = 0
	KeyTypeED25519 KeyType = 1
)

// PopID is a 3- or 4-character relay-region code packed into 32 bits.
type PopID uint32

// Certificate is the record that gets serialized and signed. Signatures
// cover the serialized bytes verbatim, so the encoding only needs to
// round-trip; it is never re-canonicalized.
type Certificate struct {
	KeyData       []byte   `json:"key_data"`
	KeyType       KeyType  `json:"key_type"`
	TimeCreated   int64    `json:"time_created,omitempty"`
	TimeExpiry    int64    `json:"time_expiry,omitempty"`
	AppIDs        []uint32 `json:"app_ids,omitempty"`
	PopIDs        []PopID  `json:"pop_ids,omitempty"`
	Identity      string   `json:"identity,omitempty"`
	LegacySteamID uint64   `json:"legacy_steam_id,omitempty"`
}

// Signed wraps the serialized certificate bytes together with the CA
// signature. CAKeyID of zero means the certificate is self-signed
// ("unsigned" from a trust perspective).
type Signed struct {
	CertBytes   []byte `json:"cert"`
	CAKeyID     uint64 `json:"ca_key_id,omitempty"`
	CASignature []byte `json:"ca_signature,omitempty"`
}

var (
	// ErrBadCert indicates a certificate that failed to parse or carry
	// usable key material.
	ErrBadCert = errors.New("malformed certificate")

	// ErrBadSignature indicates a CA signature that did not verify.
	ErrBadSignature = errors.New("invalid cert signature")

	// ErrUntrustedCA indicates a CA key ID not present in the trust
	// store.
	ErrUntrustedCA = errors.New("cert signed by untrusted CA key")

	// ErrBadPopCode indicates a relay-region code that is not 3 or 4
	// characters long.
	ErrBadPopCode = errors.New("POP code must be 3 or 4 characters")
)

// Serialize encodes the certificate record.
func (c *Certificate) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Parse decodes a certificate record. The key material is checked later,
// by PublicKey.
func Parse(data []byte) (*Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCert, err)
	}
	return &c, nil
}

// PublicKey validates and returns the Ed25519 key the certificate binds.
func (c *Certificate) PublicKey() (crypto.SigningPublicKey, error) {
	var pub crypto.SigningPublicKey
	if c.KeyType != KeyTypeED25519 {
		return pub, fmt.Errorf("%w: unsupported identity key type %d", ErrBadCert, c.KeyType)
	}
	if len(c.KeyData) != len(pub) {
		return pub, fmt.Errorf("%w: identity key is %d bytes", ErrBadCert, len(c.KeyData))
	}
	copy(pub[:], c.KeyData)
	return pub, nil
}

// Sign serializes the certificate and signs it with a CA private key,
// producing the signed wrapper the handshake exchanges.
func Sign(c *Certificate, caPrivate crypto.SigningPrivateKey) (*Signed, error) {
	body, err := c.Serialize()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(body, caPrivate)
	if err != nil {
		return nil, err
	}
	return &Signed{
		CertBytes:   body,
		CAKeyID:     crypto.PublicKeyID(caPrivate.Public()),
		CASignature: sig[:],
	}, nil
}

// SelfSigned wraps a certificate without any CA signature.
func SelfSigned(c *Certificate) (*Signed, error) {
	body, err := c.Serialize()
	if err != nil {
		return nil, err
	}
	return &Signed{CertBytes: body}, nil
}

// HasCASignature reports whether the wrapper carries a CA signature.
func (s *Signed) HasCASignature() bool {
	return len(s.CASignature) > 0
}

// Serialize encodes the signed wrapper for the wire.
func (s *Signed) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSigned decodes a signed certificate wrapper.
func ParseSigned(data []byte) (*Signed, error) {
	var s Signed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCert, err)
	}
	if len(s.CertBytes) == 0 {
		return nil, fmt.Errorf("%w: missing cert body", ErrBadCert)
	}
	return &s, nil
}

// VerifyCASignature checks the wrapper's signature against the trust
// store. Self-signed wrappers fail with ErrBadSignature; callers decide
// separately whether unsigned certs are acceptable.
func (s *Signed) VerifyCASignature() error {
	if !s.HasCASignature() {
		return ErrBadSignature
	}
	trusted := TrustedKeyByID(s.CAKeyID)
	if trusted == nil {
		return fmt.Errorf("%w: key %d", ErrUntrustedCA, s.CAKeyID)
	}
	if len(s.CASignature) != crypto.SignatureSize {
		return ErrBadSignature
	}
	var sig crypto.Signature
	copy(sig[:], s.CASignature)
	if !crypto.Verify(s.CertBytes, sig, trusted.PublicKey) {
		return ErrBadSignature
	}
	return nil
}

// PopIDFromString packs a 3- or 4-character region code into a PopID.
func PopIDFromString(code string) (PopID, error) {
	if len(code) < 3 || len(code) > 4 {
		return 0, fmt.Errorf("%w: %q", ErrBadPopCode, code)
	}
	id := PopID(code[0])<<16 | PopID(code[1])<<8 | PopID(code[2])
	if len(code) == 4 {
		id |= PopID(code[3]) << 24
	}
	return id, nil
}

// String renders the region code back into text.
func (p PopID) String() string {
	var sb strings.Builder
	if b := byte(p >> 16); b != 0 {
		sb.WriteByte(b)
	}
	if b := byte(p >> 8); b != 0 {
		sb.WriteByte(b)
	}
	if b := byte(p); b != 0 {
		sb.WriteByte(b)
	}
	if b := byte(p >> 24); b != 0 {
		sb.WriteByte(b)
	}
	return sb.String()
}
