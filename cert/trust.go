package cert

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/steamdatagram/crypto"
)

// TrustedKey is a (key ID, public key) pair pinned in the binary.
type TrustedKey struct {
	ID        uint64
	PublicKey crypto.SigningPublicKey
}

// The production CA key is burned into the source code, not loaded from
// a file. The threat model for eavesdropping and tampering includes the
// local user: everything outside of this process is untrusted.
var builtinTrustedKeys = []TrustedKey{
	{
		ID: 18220590129359924542,
		PublicKey: crypto.SigningPublicKey{
			0x9a, 0xec, 0xa0, 0x4e, 0x17, 0x51, 0xce, 0x62,
			0x68, 0xd5, 0x69, 0x00, 0x2c, 0xa1, 0xe1, 0xfa,
			0x1b, 0x2d, 0xbc, 0x26, 0xd3, 0x6b, 0x4e, 0xa3,
			0xa0, 0x08, 0x3a, 0xd3, 0x72, 0x82, 0x9b, 0x84,
		},
	},
}

var (
	trustMu     sync.RWMutex
	trustedKeys = append([]TrustedKey(nil), builtinTrustedKeys...)
)

// TrustedKeyByID returns the pinned key with the given fingerprint, or
// nil if the ID is unknown.
func TrustedKeyByID(id uint64) *TrustedKey {
	trustMu.RLock()
	defer trustMu.RUnlock()
	for i := range trustedKeys {
		if trustedKeys[i].ID == id {
			return &trustedKeys[i]
		}
	}
	return nil
}

// InstallTrustedKey adds an additional trust anchor. Intended for private
// deployments that run their own CA, and for tests; the builtin anchors
// are always retained.
func InstallTrustedKey(key TrustedKey) {
	trustMu.Lock()
	defer trustMu.Unlock()
	for _, k := range trustedKeys {
		if k.ID == key.ID {
			return
		}
	}
	trustedKeys = append(trustedKeys, key)
	logrus.WithFields(logrus.Fields{
		"function": "InstallTrustedKey",
		"key_id":   key.ID,
	}).Info("Installed additional trusted CA key")
}

// ResetTrustedKeys restores the builtin trust anchors, discarding any
// installed ones. Tests use this to isolate cases.
func ResetTrustedKeys() {
	trustMu.Lock()
	defer trustMu.Unlock()
	trustedKeys = append([]TrustedKey(nil), builtinTrustedKeys...)
}
