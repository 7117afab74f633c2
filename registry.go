package steamdatagram

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/armon/circbuf"
)

// ConnectionHandle is the application-visible handle for a connection:
// the low 16 bits of its connection ID. Zero is never a valid handle.
type ConnectionHandle uint16

// ListenSocketHandle identifies a listen socket.
type ListenSocketHandle uint32

// InvalidConnectionHandle is returned when no connection could be
// created.
const InvalidConnectionHandle ConnectionHandle = 0

const (
	// maxRecentConnectionIDs is how many retired low halves we remember
	// to avoid immediate reuse.
	maxRecentConnectionIDs = 256

	// maxLiveConnections caps the registry so the low 16 bits stay
	// unique with headroom to spare.
	maxLiveConnections = 0x1FFF

	// maxConnectionIDAttempts bounds the random draw before giving up.
	maxConnectionIDAttempts = 10000
)

// ErrTooManyConnections is returned when the registry is full.
var ErrTooManyConnections = errors.New("too many connections")

// ErrNoConnectionID is returned when no acceptable connection ID could
// be drawn.
var ErrNoConnectionID = errors.New("unable to find unique connection ID")

// The connection registry and the retired-ID FIFO are process-wide,
// initialized once at library start. The retired history rides in a
// fixed circular buffer: two bytes per retired low half, oldest evicted
// first.
var (
	registryMu      sync.Mutex
	liveConnections = make(map[ConnectionHandle]*Connection)
	retiredIDs, _   = circbuf.NewBuffer(maxRecentConnectionIDs * 2)
)

// retiredIDsContain scans the retired history for a low half.
func retiredIDsContain(h ConnectionHandle) bool {
	buf := retiredIDs.Bytes()
	for i := 0; i+1 < len(buf); i += 2 {
		if binary.LittleEndian.Uint16(buf[i:]) == uint16(h) {
			return true
		}
	}
	return false
}

// allocateConnectionID draws a random 32-bit connection ID whose halves
// are both nonzero and whose low half collides with neither a live
// connection nor the recent-retired history, then registers the
// connection under it.
func allocateConnectionID(c *Connection) (uint32, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if len(liveConnections) >= maxLiveConnections {
		return 0, ErrTooManyConnections
	}

	var raw [4]byte
	for tries := 0; tries < maxConnectionIDAttempts; tries++ {
		if _, err := rand.Read(raw[:]); err != nil {
			return 0, err
		}
		id := binary.LittleEndian.Uint32(raw[:])
		if id&0xFFFF == 0 || id&0xFFFF0000 == 0 {
			continue
		}
		h := ConnectionHandle(id)
		if _, live := liveConnections[h]; live {
			continue
		}
		if retiredIDsContain(h) {
			continue
		}
		liveConnections[h] = c
		return id, nil
	}
	return 0, ErrNoConnectionID
}

// freeConnectionID removes the connection from the registry and pushes
// its low half onto the retired FIFO. Idempotent.
func freeConnectionID(id uint32, c *Connection) {
	if id == 0 {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	h := ConnectionHandle(id)
	if liveConnections[h] == c {
		delete(liveConnections, h)
	}

	var entry [2]byte
	binary.LittleEndian.PutUint16(entry[:], uint16(id))
	retiredIDs.Write(entry[:]) // circbuf never errors; oldest falls off
}

// findConnection looks up a live connection by handle.
func findConnection(h ConnectionHandle) *Connection {
	registryMu.Lock()
	defer registryMu.Unlock()
	return liveConnections[h]
}

// liveConnectionCount reports how many connections are registered.
func liveConnectionCount() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(liveConnections)
}

// resetGlobalState tears down the process-wide tables. Tests call this
// between cases.
func resetGlobalState() {
	registryMu.Lock()
	liveConnections = make(map[ConnectionHandle]*Connection)
	retiredIDs.Reset()
	registryMu.Unlock()

	resetSpamReplyGate()
}
