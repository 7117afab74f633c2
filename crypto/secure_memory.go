package crypto

import (
	"errors"
	"runtime"
)

// SecureWipe overwrites a buffer holding key material with zeros. The
// session crypto calls this on every intermediate secret the moment it
// is no longer needed.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	for i := range data {
		data[i] = 0
	}
	// Keep the buffer reachable so the stores above cannot be proven
	// dead and elided.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for call sites with no failure path.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}
