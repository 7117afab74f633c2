package steamdatagram

import (
	"encoding/binary"
	"sync"

	"github.com/opd-ai/steamdatagram/identity"
	"github.com/opd-ai/steamdatagram/interfaces"
)

// testClock is a manually advanced microsecond clock.
type testClock struct {
	mu   sync.Mutex
	usec int64
	wall int64
}

func newTestClock() *testClock {
	return &testClock{usec: 1, wall: 1700000000}
}

func (tc *testClock) now() int64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.usec
}

func (tc *testClock) nowWall() int64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.wall
}

func (tc *testClock) advance(usec int64) {
	tc.mu.Lock()
	tc.usec += usec
	tc.wall += usec / 1000000
	tc.mu.Unlock()
}

// newTestSockets builds a Sockets instance on a manual clock with the
// process-wide state reset.
func newTestSockets(id identity.Identity, mutate func(*Config)) (*Sockets, *testClock) {
	resetGlobalState()
	return newTestSocketsNoReset(id, mutate)
}

// newTestSocketsNoReset is for tests that run several instances against
// the shared process-wide registry.
func newTestSocketsNoReset(id identity.Identity, mutate func(*Config)) (*Sockets, *testClock) {
	cfg := DefaultConfig(id)
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	tc := newTestClock()
	s.setTimeFuncsForTest(tc.now, tc.nowWall)
	return s, tc
}

// fakeSignaling records handshake frames, optionally forwarding them.
type fakeSignaling struct {
	frames  [][]byte
	forward func(frame []byte)
}

func (f *fakeSignaling) SendHandshake(frame []byte) error {
	f.frames = append(f.frames, frame)
	if f.forward != nil {
		f.forward(frame)
	}
	return nil
}

// fakeTransport forwards encrypted frames to a sink, usually the peer
// connection's receive path.
type fakeTransport struct {
	canSend bool
	sent    [][]byte
	deliver func(frame []byte)
}

func (f *fakeTransport) SendPacket(frame []byte) error {
	f.sent = append(f.sent, frame)
	if f.deliver != nil {
		f.deliver(frame)
	}
	return nil
}

func (f *fakeTransport) CanSend() bool { return f.canSend }

// fakeSNP is a minimal segmentation layer: one message per packet,
// framed as an 8-byte message number plus the payload. Reliable
// messages count as unacked until the test acknowledges them.
type fakeSNP struct {
	receiver interfaces.MessageReceiver

	queued     [][]byte
	flags      []int
	nextMsgNum int64
	unacked    int
}

func newFakeSNP(receiver interfaces.MessageReceiver) *fakeSNP {
	return &fakeSNP{receiver: receiver, nextMsgNum: 1}
}

func (f *fakeSNP) SubmitMessage(usecNow int64, data []byte, sendFlags int) (int64, error) {
	msgNum := f.nextMsgNum
	f.nextMsgNum++
	framed := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(framed, uint64(msgNum))
	copy(framed[8:], data)
	f.queued = append(f.queued, framed)
	f.flags = append(f.flags, sendFlags)
	return msgNum, nil
}

func (f *fakeSNP) Flush(usecNow int64) error { return nil }

func (f *fakeSNP) ReceivedPacket(usecNow int64, fullSeqNum int64, plaintext []byte) bool {
	if len(plaintext) < 8 {
		return false
	}
	msgNum := int64(binary.LittleEndian.Uint64(plaintext))
	payload := append([]byte(nil), plaintext[8:]...)
	f.receiver.ReceivedMessage(payload, msgNum, usecNow)
	return true
}

func (f *fakeSNP) ProduceNextPacket(usecNow int64, maxSize int) []byte {
	if len(f.queued) == 0 {
		return nil
	}
	pkt := f.queued[0]
	if f.flags[0]&SendReliable != 0 {
		f.unacked++
	}
	f.queued = f.queued[1:]
	f.flags = f.flags[1:]
	return pkt
}

func (f *fakeSNP) NextThinkTime(usecNow int64) int64 {
	if len(f.queued) > 0 {
		return usecNow + 1000
	}
	return usecNow + 60*usecMillion
}

func (f *fakeSNP) QueuedMessageCount() int   { return len(f.queued) }
func (f *fakeSNP) UnackedReliableCount() int { return f.unacked }

// ackAll simulates the peer acknowledging everything in flight.
func (f *fakeSNP) ackAll() { f.unacked = 0 }
