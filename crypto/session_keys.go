package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"
)

// kdfLabel is mixed into the key-derivation context buffer by both peers.
const kdfLabel = "Steam datagram"

// SessionKeys holds the symmetric key material derived from a completed
// handshake. Both peers derive byte-identical material with the send/recv
// roles swapped on the server side.
type SessionKeys struct {
	SendKey [32]byte
	RecvKey [32]byte
	SendIV  [12]byte
	RecvIV  [12]byte
}

// KeyDerivationContext carries the per-connection inputs that are mixed
// into the derivation so the keys are bound to this exact handshake.
// Cert and CryptInfo fields are the serialized records exactly as they
// appeared on the wire.
type KeyDerivationContext struct {
	LocalConnID  uint32
	RemoteConnID uint32

	LocalNonce  uint64
	RemoteNonce uint64

	LocalCert  []byte
	RemoteCert []byte

	LocalCryptInfo  []byte
	RemoteCryptInfo []byte

	// Server selects which side of the role-dependent swaps this peer
	// performs, so that both peers produce the same bytes.
	Server bool
}

// ErrKeyExchangeFailed indicates the X25519 agreement produced no usable
// secret.
var ErrKeyExchangeFailed = errors.New("key exchange failed")

// DeriveSessionKeys performs the HKDF-style derivation over HMAC-SHA-256:
// extract a pseudorandom key from the X25519 premaster secret, then
// expand it through four chained HMAC rounds over a context buffer that
// binds the connection IDs, both certificates, and both session-info
// records. The ephemeral private key is the caller's to wipe; every
// intermediate secret is wiped here.
func DeriveSessionKeys(localPrivate [32]byte, remotePublic [32]byte, kdc *KeyDerivationContext) (*SessionKeys, error) {
	premaster, err := DeriveSharedSecret(remotePublic, localPrivate)
	if err != nil {
		return nil, ErrKeyExchangeFailed
	}

	// Extract: salt is the little-endian concatenation of the nonces,
	// remote first, with the halves swapped on the server so both peers
	// agree.
	var salt [16]byte
	if kdc.Server {
		binary.LittleEndian.PutUint64(salt[0:8], kdc.LocalNonce)
		binary.LittleEndian.PutUint64(salt[8:16], kdc.RemoteNonce)
	} else {
		binary.LittleEndian.PutUint64(salt[0:8], kdc.RemoteNonce)
		binary.LittleEndian.PutUint64(salt[8:16], kdc.LocalNonce)
	}
	mac := hmac.New(sha256.New, salt[:])
	mac.Write(premaster[:])
	prk := mac.Sum(nil)
	ZeroBytes(premaster[:])

	// Expand: build the context buffer with a 32-byte scratch prefix
	// that receives the previous round's digest.
	connIDs := [2]uint32{kdc.LocalConnID, kdc.RemoteConnID}
	contexts := [4][]byte{kdc.RemoteCert, kdc.LocalCert, kdc.RemoteCryptInfo, kdc.LocalCryptInfo}
	if kdc.Server {
		connIDs[0], connIDs[1] = connIDs[1], connIDs[0]
		contexts[0], contexts[1] = contexts[1], contexts[0]
		contexts[2], contexts[3] = contexts[3], contexts[2]
	}

	buf := make([]byte, 0, sha256.Size+8+len(kdfLabel)+len(contexts[0])+len(contexts[1])+len(contexts[2])+len(contexts[3])+1)
	buf = append(buf, make([]byte, sha256.Size)...)
	buf = binary.LittleEndian.AppendUint32(buf, connIDs[0])
	buf = binary.LittleEndian.AppendUint32(buf, connIDs[1])
	buf = append(buf, kdfLabel...)
	for _, c := range contexts {
		buf = append(buf, c...)
	}
	buf = append(buf, 0) // round counter

	keys := &SessionKeys{}
	outputs := [4][]byte{keys.SendKey[:], keys.RecvKey[:], keys.SendIV[:], keys.RecvIV[:]}
	if kdc.Server {
		outputs[0], outputs[1] = outputs[1], outputs[0]
		outputs[2], outputs[3] = outputs[3], outputs[2]
	}

	// The first round's message starts after the scratch prefix; each
	// later round includes the previous digest copied into the prefix.
	start := sha256.Size
	var digest [sha256.Size]byte
	for round := 0; round < 4; round++ {
		buf[len(buf)-1] = byte(round + 1)
		mac := hmac.New(sha256.New, prk)
		mac.Write(buf[start:])
		mac.Sum(digest[:0])
		copy(outputs[round], digest[:len(outputs[round])])
		copy(buf[:sha256.Size], digest[:])
		start = 0
	}

	ZeroBytes(prk)
	ZeroBytes(digest[:])
	ZeroBytes(buf)

	logrus.WithFields(logrus.Fields{
		"function":       "DeriveSessionKeys",
		"local_conn_id":  kdc.LocalConnID,
		"remote_conn_id": kdc.RemoteConnID,
		"server":         kdc.Server,
	}).Debug("Session keys derived")

	return keys, nil
}

// Wipe securely erases the derived key material.
func (k *SessionKeys) Wipe() {
	if k == nil {
		return
	}
	ZeroBytes(k.SendKey[:])
	ZeroBytes(k.RecvKey[:])
	ZeroBytes(k.SendIV[:])
	ZeroBytes(k.RecvIV[:])
}
