package steamdatagram

import "github.com/opd-ai/steamdatagram/crypto"

// endToEndStats tracks the end-to-end flow for one connection: sequence
// numbers, reply timeouts, ping, and packet counters. It is owned by the
// connection and mutated only on the scheduler thread.
type endToEndStats struct {
	seq crypto.SequenceTracker

	usecTimeLastRecv int64
	usecTimeLastSend int64

	// usecInFlightReplyTimeout is nonzero while a packet expecting a
	// reply is outstanding; when it expires a reply timeout is counted.
	usecInFlightReplyTimeout                  int64
	usecLastSendPacketExpectingImmediateReply int64
	replyTimeoutsSinceLastRecv                int

	pingMs        int
	qualityLocal  float32
	qualityRemote float32

	sentPackets int64
	recvPackets int64

	peerProtocolVersion uint32

	disconnected bool
}

func (s *endToEndStats) init(usecNow int64) {
	s.qualityLocal = -1
	s.qualityRemote = -1
	s.pingMs = -1
	s.disconnected = true
}

// trackRecvPacket notes that anything at all arrived from the peer.
func (s *endToEndStats) trackRecvPacket(usecNow int64) {
	s.recvPackets++
	s.usecTimeLastRecv = usecNow
	s.usecInFlightReplyTimeout = 0
	s.replyTimeoutsSinceLastRecv = 0
}

// trackSentPacket notes an outbound packet; expectingReply arms the
// reply-timeout clock if it is not already running.
func (s *endToEndStats) trackSentPacket(usecNow int64, expectingReply bool) {
	s.sentPackets++
	s.usecTimeLastSend = usecNow
	if expectingReply {
		if s.usecInFlightReplyTimeout == 0 {
			s.usecInFlightReplyTimeout = usecNow + usecReplyTimeout
		}
		s.usecLastSendPacketExpectingImmediateReply = usecNow
	}
}

// think expires an outstanding reply timeout.
func (s *endToEndStats) think(usecNow int64) {
	if s.usecInFlightReplyTimeout != 0 && usecNow >= s.usecInFlightReplyTimeout {
		s.usecInFlightReplyTimeout = 0
		s.replyTimeoutsSinceLastRecv++
	}
}

func (s *endToEndStats) setDisconnected(disconnected bool) {
	s.disconnected = disconnected
}
