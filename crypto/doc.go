// Package crypto implements the cryptographic primitives for the Steam
// datagram transport.
//
// This package handles key generation, identity signatures, ephemeral key
// exchange, session key derivation, and per-packet authenticated
// encryption using Go's standard library and x/crypto packages.
//
// Example:
//
//	pub, priv, err := crypto.GenerateSigningKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("key id: %d\n", crypto.PublicKeyID(pub))
package crypto
