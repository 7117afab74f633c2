// Package cert implements the certificate model for the Steam datagram
// transport.
//
// A certificate binds an identity (and optional restrictions: app IDs,
// relay-region POP IDs, expiry) to an Ed25519 public key. Certificates
// are issued offline by a certificate authority whose public keys are
// compiled into the binary; the local filesystem is treated as hostile
// and trusted keys are never loaded at runtime.
package cert
