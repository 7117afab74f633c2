package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// SigningPublicKey is a raw Ed25519 public key used for identity and
// certificate signatures.
type SigningPublicKey [32]byte

// SigningPrivateKey is an Ed25519 private key (seed plus public half).
type SigningPrivateKey [64]byte

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// KeyExchangeKeyPair is an ephemeral X25519 keypair used for session key
// agreement. The private half must be wiped once the session keys are
// derived.
type KeyExchangeKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

var (
	// ErrInvalidKey indicates key material of the wrong size or form.
	ErrInvalidKey = errors.New("invalid key")

	// ErrEmptyMessage indicates a Sign call with no payload.
	ErrEmptyMessage = errors.New("empty message")
)

// GenerateSigningKeyPair creates a new random Ed25519 keypair.
func GenerateSigningKeyPair() (SigningPublicKey, SigningPrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningPublicKey{}, SigningPrivateKey{}, err
	}
	var outPub SigningPublicKey
	var outPriv SigningPrivateKey
	copy(outPub[:], pub)
	copy(outPriv[:], priv)
	return outPub, outPriv, nil
}

// SigningKeyFromSeed rebuilds a keypair from a 32-byte seed.
func SigningKeyFromSeed(seed [32]byte) (SigningPublicKey, SigningPrivateKey) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var outPub SigningPublicKey
	var outPriv SigningPrivateKey
	copy(outPriv[:], priv)
	copy(outPub[:], priv[32:])
	return outPub, outPriv
}

// Public returns the public half embedded in the private key.
func (k SigningPrivateKey) Public() SigningPublicKey {
	var pub SigningPublicKey
	copy(pub[:], k[32:])
	return pub
}

// Sign creates an Ed25519 signature for a message.
func Sign(message []byte, privateKey SigningPrivateKey) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, ErrEmptyMessage
	}
	sig := ed25519.Sign(ed25519.PrivateKey(privateKey[:]), message)
	var out Signature
	copy(out[:], sig)
	return out, nil
}

// Verify checks an Ed25519 signature against a message and public key.
func Verify(message []byte, signature Signature, publicKey SigningPublicKey) bool {
	if len(message) == 0 {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), message, signature[:])
}

// GenerateKeyExchangeKeyPair creates a new ephemeral X25519 keypair.
func GenerateKeyExchangeKeyPair() (*KeyExchangeKeyPair, error) {
	kp := &KeyExchangeKeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(kp.Private[:])
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Wipe securely erases the private half of the keypair.
func (kp *KeyExchangeKeyPair) Wipe() {
	if kp != nil {
		ZeroBytes(kp.Private[:])
	}
}

// PublicKeyID computes the 64-bit fingerprint of a public key: the
// little-endian first 8 bytes of the SHA-256 of the raw 32-byte key. A
// key ID of zero is reserved as "invalid".
func PublicKeyID(pub SigningPublicKey) uint64 {
	digest := sha256.Sum256(pub[:])
	return binary.LittleEndian.Uint64(digest[:8])
}

// IsZeroKey checks whether a 32-byte key consists of all zeros.
func IsZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
