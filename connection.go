package steamdatagram

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/steamdatagram/cert"
	"github.com/opd-ai/steamdatagram/crypto"
	"github.com/opd-ai/steamdatagram/identity"
	"github.com/opd-ai/steamdatagram/interfaces"
	"github.com/opd-ai/steamdatagram/limits"
)

// Connection is the per-connection state machine. All mutation happens
// on the owning Sockets' scheduler; the public API locks before
// touching it.
type Connection struct {
	sockets *Sockets

	idLocal  uint32
	idRemote uint32

	identityLocal  identity.Identity
	identityRemote identity.Identity

	state          ConnectionState
	stateEnteredAt int64

	endReason EndReason
	endDebug  string

	// Crypto handshake state.
	signedCertLocal  *cert.Signed
	certHasIdentity  bool
	signedCryptLocal *SignedCryptInfo
	cryptLocal       *CryptInfo
	kexPrivateLocal  *crypto.KeyExchangeKeyPair
	signedCertRemote *cert.Signed
	certRemote       *cert.Certificate
	cryptRemote      *CryptInfo
	cipher           *crypto.PacketCipher

	// cryptKeysValid latches true after a successful derivation and is
	// never reset, even after the key material itself is wiped.
	cryptKeysValid bool

	recvQueue messageQueue

	// parent is a weak back-pointer: non-nil iff the listen socket's
	// child map contains this connection.
	parent *ListenSocket

	// pendingRemoteHandshake holds an inbound connect request until the
	// application accepts.
	pendingRemoteHandshake *HandshakeFrame

	// partner is the other half of a loopback pair; sends bypass the
	// transport entirely.
	partner *Connection

	snp       interfaces.SegmentationLayer
	signaling SignalingChannel
	transport PacketTransport

	virtualPort int

	nextMsgNumSend int64
	nextPktNumSend int64

	stats endToEndStats
	cfg   ConnectionConfig

	appName     string
	description string
	userData    int64

	usecWhenSentConnectRequest int64
	usecLastDecryptWarn        int64

	// Scheduler bookkeeping.
	usecNextThink int64
	heapIndex     int
	destroyed     bool
}

func newConnection(s *Sockets) *Connection {
	return &Connection{
		sockets:        s,
		state:          ConnectionStateNone,
		endReason:      EndInvalid,
		identityLocal:  s.cfg.Identity,
		cfg:            s.cfg.Connection,
		nextMsgNumSend: 1,
		nextPktNumSend: 1,
		userData:       -1,
		heapIndex:      -1,
	}
}

// Handle returns the application-visible handle: the low 16 bits of the
// local connection ID.
func (c *Connection) Handle() ConnectionHandle {
	return ConnectionHandle(c.idLocal)
}

// initConnection allocates the connection ID, registers the connection,
// and moves it into Connecting.
func (c *Connection) initConnection(usecNow int64) error {
	if c.identityLocal.IsInvalid() {
		return fmt.Errorf("we don't know our local identity")
	}

	id, err := allocateConnectionID(c)
	if err != nil {
		return err
	}
	c.idLocal = id

	c.endReason = EndInvalid
	c.endDebug = ""
	c.stats.init(usecNow)
	c.setDescription()

	c.setState(ConnectionStateConnecting, usecNow)

	// Take action to obtain local crypto now; localhost and configured
	// certs are ready immediately.
	c.thinkCryptoReady()

	c.sockets.scheduleThink(c, usecNow)
	return nil
}

func (c *Connection) setDescription() {
	typeDesc := "connect"
	switch {
	case c.partner != nil:
		typeDesc = "pipe"
	case c.parent != nil:
		typeDesc = "accepted"
	}
	if !c.identityRemote.IsInvalid() {
		typeDesc += " " + c.identityRemote.String()
	}
	if c.appName != "" {
		c.description = fmt.Sprintf("#%d %s '%s'", c.idLocal&0xFFFF, typeDesc, c.appName)
	} else {
		c.description = fmt.Sprintf("#%d %s", c.idLocal&0xFFFF, typeDesc)
	}
}

// SetAppName attaches a debug name that shows up in the connection
// description.
func (c *Connection) SetAppName(name string) {
	c.appName = name
	c.setDescription()
}

// setUserData updates the user data, including on messages already
// queued but not yet drained, so the application never observes a
// half-installed value.
func (c *Connection) setUserData(v int64) {
	c.userData = v
	for m := c.recvQueue.first; m != nil; m = m.links[linkConnection].next {
		m.userData = v
	}
}

// clearCrypto wipes all key material. The cryptKeysValid latch is left
// alone: it records that derivation once succeeded, not that the keys
// are still present.
func (c *Connection) clearCrypto() {
	if c.kexPrivateLocal != nil {
		c.kexPrivateLocal.Wipe()
		c.kexPrivateLocal = nil
	}
	if c.cipher != nil {
		c.cipher.Wipe()
		c.cipher = nil
	}
	c.cryptLocal = nil
	c.signedCryptLocal = nil
	c.signedCertRemote = nil
	c.certRemote = nil
	c.cryptRemote = nil
	c.certHasIdentity = false
}

// setState is the only way state changes. It records the entry time and
// runs the transition side effects.
func (c *Connection) setState(newState ConnectionState, usecNow int64) {
	if newState == c.state {
		return
	}
	oldState := c.state
	c.state = newState
	c.stateEnteredAt = usecNow

	c.log().WithFields(logrus.Fields{
		"old_state": oldState.String(),
		"new_state": newState.String(),
	}).Debug("Connection state changed")

	c.connectionStateChanged(oldState, usecNow)
}

func (c *Connection) connectionStateChanged(oldState ConnectionState, usecNow int64) {
	oldAPIState := oldState.APIState()
	newAPIState := c.state.APIState()

	// Post a notification only when the state changed from the
	// application's perspective.
	if oldAPIState != newAPIState {
		c.sockets.queueStatusChanged(c, oldAPIState)
	}

	// Any time we switch into a state that is closed from an API
	// perspective, discard any unread received messages.
	if newAPIState == ConnectionStateNone ||
		c.state == ConnectionStateClosedByPeer ||
		c.state == ConnectionStateProblemDetectedLocally {
		c.recvQueue.purge()
	}

	switch c.state {
	case ConnectionStateDead, ConnectionStateNone,
		ConnectionStateProblemDetectedLocally, ConnectionStateFinWait,
		ConnectionStateClosedByPeer:
		// Secret state is useless now.
		c.clearCrypto()
		c.stats.setDisconnected(true)

	case ConnectionStateLinger:
		c.stats.setDisconnected(true)

	case ConnectionStateConnected, ConnectionStateFindingRoute:
		if !c.cryptKeysValid {
			c.log().Error("Entered connected state without valid crypt keys")
		}
		c.stats.setDisconnected(false)

	case ConnectionStateConnecting:
	}
}

// connectionProblemDetectedLocally closes the connection into
// ProblemDetectedLocally with the given reason. Safe to call from any
// live state.
func (c *Connection) connectionProblemDetectedLocally(reason EndReason, format string, args ...interface{}) {
	usecNow := c.sockets.Now()
	debug := fmt.Sprintf(format, args...)

	if c.endReason == EndInvalid || c.state == ConnectionStateLinger {
		c.endReason = reason
		c.endDebug = debug
	}

	c.log().WithFields(logrus.Fields{
		"end_reason": int32(reason),
		"end_debug":  debug,
	}).Warn("Connection problem detected locally")

	switch c.state {
	case ConnectionStateDead, ConnectionStateNone:
		return

	case ConnectionStateProblemDetectedLocally, ConnectionStateFinWait, ConnectionStateClosedByPeer:
		// Already closing.

	case ConnectionStateLinger:
		c.connectionFinWait()
		return

	case ConnectionStateConnecting, ConnectionStateFindingRoute, ConnectionStateConnected:
		c.setState(ConnectionStateProblemDetectedLocally, usecNow)
	}

	c.checkConnectionStateAndSetNextThinkTime(usecNow)
}

func (c *Connection) connectionFinWait() {
	usecNow := c.sockets.Now()
	switch c.state {
	case ConnectionStateDead, ConnectionStateNone:
		return
	case ConnectionStateFinWait:
		return
	case ConnectionStateClosedByPeer, ConnectionStateProblemDetectedLocally,
		ConnectionStateLinger, ConnectionStateConnecting,
		ConnectionStateFindingRoute, ConnectionStateConnected:
		c.setState(ConnectionStateFinWait, usecNow)
		c.checkConnectionStateAndSetNextThinkTime(usecNow)
	}
}

// connectionClosedByPeer handles a peer-sent close.
func (c *Connection) connectionClosedByPeer(reason EndReason, debug string) {
	switch c.state {
	case ConnectionStateDead, ConnectionStateNone:
		return

	case ConnectionStateFinWait:
		// Keep hanging out until the fin wait time is up.

	case ConnectionStateLinger:
		// We were just waiting to drain; the peer is done with us.
		c.connectionFinWait()

	case ConnectionStateProblemDetectedLocally, ConnectionStateClosedByPeer:
		// We already have a reason; wait for the handle release.

	case ConnectionStateConnecting, ConnectionStateFindingRoute, ConnectionStateConnected:
		if debug == "" {
			debug = "The remote host closed the connection."
		}
		c.endDebug = debug
		c.endReason = reason
		c.setState(ConnectionStateClosedByPeer, c.sockets.Now())
	}
}

// connectionConnected moves to Connected once the handshake has
// completed end-to-end.
func (c *Connection) connectionConnected(usecNow int64) {
	switch c.state {
	case ConnectionStateConnecting, ConnectionStateFindingRoute:
		if c.stats.usecTimeLastRecv == 0 {
			c.log().Error("Going connected without ever receiving anything end-to-end")
		}
		c.setState(ConnectionStateConnected, usecNow)
	case ConnectionStateConnected:
	default:
		c.log().WithField("state", c.state.String()).Error("Unexpected transition to Connected")
		return
	}
	c.checkConnectionStateAndSetNextThinkTime(usecNow)
}

// connectionFindingRoute begins the route search after the handshake is
// acceptable.
func (c *Connection) connectionFindingRoute(usecNow int64) {
	switch c.state {
	case ConnectionStateConnecting:
		c.setState(ConnectionStateFindingRoute, usecNow)
	case ConnectionStateFindingRoute:
	default:
		c.log().WithField("state", c.state.String()).Error("Unexpected transition to FindingRoute")
		return
	}
	c.checkConnectionStateAndSetNextThinkTime(usecNow)
}

// apiAccept accepts an inbound connection sitting in Connecting on a
// listen socket.
func (c *Connection) apiAccept(usecNow int64) Result {
	if c.state != ConnectionStateConnecting || c.parent == nil {
		return ResultInvalidState
	}
	frame := c.pendingRemoteHandshake
	if frame == nil {
		return ResultInvalidState
	}
	c.pendingRemoteHandshake = nil

	// Receiving the connect request counts as hearing from the peer.
	c.stats.trackRecvPacket(usecNow)

	if !c.recvCryptoHandshake(frame.Cert, frame.Crypt, true) {
		// The request never authenticated; the close notice rides the
		// spam gate.
		c.replyConnectionClosed(usecNow)
		return ResultFail
	}

	// Reply with our half of the handshake.
	if c.signaling != nil {
		if reply, err := c.localHandshakeFrame(); err == nil {
			if data, err := reply.Serialize(); err == nil {
				if err := c.signaling.SendHandshake(data); err != nil {
					c.log().WithError(err).Warn("Failed to send handshake reply")
				}
			}
		}
	}

	c.connectionConnected(usecNow)
	return ResultOK
}

// apiSend queues a message for delivery. The state is read once at
// entry; every predicate derives from that read.
func (c *Connection) apiSend(data []byte, sendFlags int) Result {
	switch c.state {
	case ConnectionStateNone, ConnectionStateFinWait, ConnectionStateLinger, ConnectionStateDead:
		return ResultInvalidState

	case ConnectionStateConnecting, ConnectionStateFindingRoute:
		if sendFlags&SendNoDelay != 0 {
			return ResultIgnored
		}

	case ConnectionStateConnected:

	case ConnectionStateClosedByPeer, ConnectionStateProblemDetectedLocally:
		return ResultNoConnection

	default:
		return ResultInvalidState
	}

	if err := limits.ValidateSendMessage(data); err != nil {
		c.log().WithError(err).Warn("Rejecting message")
		return ResultInvalidParam
	}

	usecNow := c.sockets.Now()

	// Loopback pairs skip the network path entirely.
	if c.partner != nil {
		msgNum := c.nextMsgNumSend
		c.nextMsgNumSend++
		payload := append([]byte(nil), data...)
		c.partner.stats.trackRecvPacket(usecNow)
		c.partner.receivedMessage(payload, msgNum, usecNow)
		c.stats.trackSentPacket(usecNow, false)
		return ResultOK
	}

	if c.snp == nil {
		c.log().Error("No segmentation layer attached")
		return ResultFail
	}
	if _, err := c.snp.SubmitMessage(usecNow, data, sendFlags); err != nil {
		c.log().WithError(err).Warn("Segmentation layer rejected message")
		return ResultFail
	}
	c.sockets.ensureMinThinkTime(c, usecNow)
	return ResultOK
}

// apiFlush forces any Nagle-delayed data out.
func (c *Connection) apiFlush() Result {
	switch c.state {
	case ConnectionStateNone, ConnectionStateFinWait, ConnectionStateLinger, ConnectionStateDead:
		return ResultInvalidState
	case ConnectionStateConnecting, ConnectionStateFindingRoute, ConnectionStateConnected:
	case ConnectionStateClosedByPeer, ConnectionStateProblemDetectedLocally:
		return ResultNoConnection
	default:
		return ResultInvalidState
	}

	if c.partner != nil || c.snp == nil {
		return ResultOK
	}
	if err := c.snp.Flush(c.sockets.Now()); err != nil {
		return ResultFail
	}
	return ResultOK
}

// apiReceiveMessages drains up to maxMessages from the receive queue.
func (c *Connection) apiReceiveMessages(maxMessages int) []*Message {
	return c.recvQueue.removeMessages(maxMessages)
}

// apiClose is the sole cancellation primitive. Idempotent: the first
// successful call latches the end reason.
func (c *Connection) apiClose(reason EndReason, debug string, enableLinger bool) {
	if c.endReason == EndInvalid || c.state == ConnectionStateConnecting ||
		c.state == ConnectionStateFindingRoute || c.state == ConnectionStateConnected {
		if reason == 0 {
			reason = EndAppGeneric
		} else if reason < EndAppMin || reason > EndAppExceptionMax {
			// Use a special value so the bug is visible in analytics.
			reason = EndAppMax
			debug = "Invalid numeric reason code"
		}
		c.endReason = reason
		if c.endDebug == "" {
			if debug == "" {
				if reason >= EndAppExceptionMin {
					debug = "Application closed connection in an unusual way"
				} else {
					debug = "Application closed connection"
				}
			}
			c.endDebug = debug
		}
	}

	switch c.state {
	case ConnectionStateDead, ConnectionStateNone, ConnectionStateFinWait, ConnectionStateLinger:
		// Already on the way out.

	case ConnectionStateClosedByPeer, ConnectionStateProblemDetectedLocally,
		ConnectionStateConnecting, ConnectionStateFindingRoute:
		c.connectionFinWait()

	case ConnectionStateConnected:
		if enableLinger {
			usecNow := c.sockets.Now()
			c.setState(ConnectionStateLinger, usecNow)
			c.checkConnectionStateAndSetNextThinkTime(usecNow)
		} else {
			c.connectionFinWait()
		}
	}
}

// receivedMessage queues a fully assembled inbound message, linking it
// into the connection's queue and, for accepted connections, the parent
// listen socket's queue.
func (c *Connection) receivedMessage(data []byte, msgNum int64, usecNow int64) {
	c.log().WithFields(logrus.Fields{
		"msg_num": msgNum,
		"size":    len(data),
	}).Debug("Received message")

	m := &Message{
		data:         data,
		conn:         c.Handle(),
		sender:       c.identityRemote,
		msgNum:       msgNum,
		userData:     c.userData,
		timeReceived: usecNow,
	}
	m.linkToTail(linkConnection, &c.recvQueue)
	if c.parent != nil {
		m.linkToTail(linkListenSocket, &c.parent.recvQueue)
	}
}

// ReceivedMessage implements interfaces.MessageReceiver for the
// segmentation layer.
func (c *Connection) ReceivedMessage(data []byte, msgNum int64, usecNow int64) {
	c.receivedMessage(data, msgNum, usecNow)
}

// receivedEncryptedPacket ingests one wire frame: expand the truncated
// sequence number, decrypt, and feed the plaintext to the segmentation
// layer. Decrypt failures drop the packet without closing the
// connection.
func (c *Connection) receivedEncryptedPacket(frame []byte, usecNow int64) {
	if !c.cryptKeysValid || c.cipher == nil {
		return
	}
	switch c.state {
	case ConnectionStateConnecting, ConnectionStateFindingRoute, ConnectionStateConnected, ConnectionStateLinger:
	default:
		return
	}

	wireSeqNum, ciphertext, err := decodeDataFrame(frame)
	if err != nil {
		return
	}

	// Track flow, even if we end up discarding this.
	c.stats.trackRecvPacket(usecNow)

	fullSeqNum := c.stats.seq.ExpandAndCheck(wireSeqNum)
	if fullSeqNum <= 0 {
		return
	}

	plaintext, err := c.cipher.DecryptPacket(fullSeqNum, ciphertext)
	if err != nil {
		// Could be tampering, spoofing, or a bug. Don't magnify the
		// attacker's efforts; just drop it.
		if usecNow-c.usecLastDecryptWarn >= usecMillion {
			c.usecLastDecryptWarn = usecNow
			c.log().Warn("Packet data chunk failed to decrypt! Could be tampering/spoofing or a bug.")
		}
		return
	}

	// High confidence the packet is authentic. If the gap is too big we
	// risk losing the ability to keep the 16-bit sequence numbers in
	// sync, and the connection cannot continue.
	gap := fullSeqNum - c.stats.seq.MaxRecv()
	if gap > crypto.MaxSequenceGap {
		c.connectionProblemDetectedLocally(EndMiscGeneric,
			"Pkt number lurch by %d; %04x->%04x",
			gap, uint16(c.stats.seq.MaxRecv()), wireSeqNum)
		return
	}

	// First end-to-end data completes the connection.
	if c.state == ConnectionStateConnecting || c.state == ConnectionStateFindingRoute {
		c.connectionConnected(usecNow)
	}

	if c.snp != nil && len(plaintext) > 0 {
		if !c.snp.ReceivedPacket(usecNow, fullSeqNum, plaintext) {
			return
		}
	}
	c.stats.seq.Record(fullSeqNum)
}

// canSendEndToEndData reports whether there is any way to reach the
// peer right now.
func (c *Connection) canSendEndToEndData() bool {
	if c.partner != nil {
		return true
	}
	return c.transport != nil && c.transport.CanSend()
}

// sendEncryptedFrame seals a plaintext chunk and hands it to the
// transport. Returns false if nothing could be sent.
func (c *Connection) sendEncryptedFrame(plaintext []byte, usecNow int64, expectingReply bool) bool {
	if c.cipher == nil {
		return false
	}
	seq := c.nextPktNumSend
	c.nextPktNumSend++
	frame := encodeDataFrame(uint16(seq), c.cipher.EncryptPacket(seq, plaintext))

	switch {
	case c.partner != nil:
		c.stats.trackSentPacket(usecNow, expectingReply)
		c.partner.receivedEncryptedPacket(frame, usecNow)
		return true
	case c.transport != nil && c.transport.CanSend():
		if err := c.transport.SendPacket(frame); err != nil {
			c.log().WithError(err).Warn("Transport send failed")
			return false
		}
		c.stats.trackSentPacket(usecNow, expectingReply)
		return true
	}
	return false
}

// sendKeepalive emits an empty data frame so the peer knows we are
// alive. immediate requests a reply and arms the reply-timeout clock.
func (c *Connection) sendKeepalive(usecNow int64, immediate bool) {
	c.sendEncryptedFrame(nil, usecNow, immediate)
}

// sendConnectRequest re-sends the handshake over the signaling channel.
func (c *Connection) sendConnectRequest(usecNow int64) {
	frame, err := c.localHandshakeFrame()
	if err != nil {
		return
	}
	data, err := frame.Serialize()
	if err != nil {
		return
	}
	if err := c.signaling.SendHandshake(data); err != nil {
		c.log().WithError(err).Debug("Connect request send failed")
		return
	}
	c.usecWhenSentConnectRequest = usecNow
}

// snpDrained reports whether the segmentation layer has nothing queued
// and nothing unacknowledged, which is the condition to leave Linger.
func (c *Connection) snpDrained() bool {
	if c.snp == nil {
		return true
	}
	return c.snp.QueuedMessageCount() == 0 && c.snp.UnackedReliableCount() == 0
}

// think is the scheduler entry point.
func (c *Connection) think(usecNow int64) {
	// If we queued ourselves for deletion, now is a safe time to do it.
	if c.state == ConnectionStateDead {
		c.sockets.finalizeConnection(c)
		return
	}
	c.checkConnectionStateAndSetNextThinkTime(usecNow)
}

// checkConnectionStateAndSetNextThinkTime examines the current state,
// performs any deferred work that has come due, and schedules the next
// wakeup inside a [min, max] tolerance window.
func (c *Connection) checkConnectionStateAndSetNextThinkTime(usecNow int64) {
	// Assume a default think interval just to make sure we check in
	// periodically.
	usecMinNextThink := usecNow + usecMillion
	usecMaxNextThink := usecMinNextThink + 100*1000

	updateMinThinkTime := func(usecTime int64, msTol int64) {
		if usecTime < usecMinNextThink {
			usecMinNextThink = usecTime
		}
		if end := usecTime + msTol*1000; end < usecMaxNextThink {
			usecMaxNextThink = end
		}
	}

	switch c.state {
	case ConnectionStateDead, ConnectionStateNone:
		c.log().Error("Thinking in a state we should never think in")
		return

	case ConnectionStateFinWait:
		usecTimeout := c.stateEnteredAt + usecFinWaitTimeout
		if usecNow >= usecTimeout {
			c.queueDestroy(usecNow)
			return
		}
		c.sockets.ensureMinThinkTime(c, usecTimeout)
		return

	case ConnectionStateProblemDetectedLocally, ConnectionStateClosedByPeer:
		// No data packets or keepalives in these states; we're just
		// waiting for the API to close us.
		return

	case ConnectionStateConnecting, ConnectionStateFindingRoute:
		usecTimeout := c.stateEnteredAt + int64(c.cfg.TimeoutInitialMs)*1000
		if usecNow >= usecTimeout {
			if c.state == ConnectionStateConnecting && c.parent != nil {
				c.connectionProblemDetectedLocally(EndMiscTimeout,
					"App didn't accept or close incoming connection in time.")
			} else {
				c.connectionTimedOut()
			}
			return
		}

		if c.parent != nil || c.state == ConnectionStateFindingRoute {
			updateMinThinkTime(usecTimeout, 10)
		} else {
			usecRetry := usecNow + usecMillion/20
			if c.thinkCryptoReady() {
				if c.signaling != nil {
					usecRetry = c.usecWhenSentConnectRequest + usecConnectRetryInterval
					if c.usecWhenSentConnectRequest == 0 || usecNow >= usecRetry {
						c.sendConnectRequest(usecNow)
						usecRetry = c.usecWhenSentConnectRequest + usecConnectRetryInterval
					}
				}
			}
			updateMinThinkTime(usecRetry, 5)
		}

		c.sockets.ensureMinThinkTime(c, usecMinNextThink)
		return

	case ConnectionStateLinger:
		if c.snpDrained() {
			// Everything we wanted to say has been said and heard.
			c.connectionFinWait()
			return
		}
		c.thinkSendState(usecNow, updateMinThinkTime)

	case ConnectionStateConnected:
		c.thinkSendState(usecNow, updateMinThinkTime)
	}

	// Connected or Linger from here down.
	c.stats.think(usecNow)

	usecEndToEndTimeout := c.stats.usecTimeLastRecv + int64(c.cfg.TimeoutConnectedMs)*1000
	if usecNow >= usecEndToEndTimeout {
		if c.stats.replyTimeoutsSinceLastRecv >= replyTimeoutsBeforeDrop || !c.canSendEndToEndData() {
			c.connectionTimedOut()
			return
		}
		// Timeout expired but we haven't marked enough reply timeouts
		// yet; check back shortly.
		updateMinThinkTime(usecNow+100*1000, 100)
	} else {
		updateMinThinkTime(usecEndToEndTimeout, 100)
	}

	// Ping aggressively because the connection appears to be timing
	// out?
	if c.stats.replyTimeoutsSinceLastRecv > 0 {
		usecSendAggressive := max64(c.stats.usecTimeLastRecv,
			c.stats.usecLastSendPacketExpectingImmediateReply) + usecAggressivePingInterval
		if usecNow >= usecSendAggressive {
			if c.canSendEndToEndData() {
				c.log().WithField("reply_timeouts", c.stats.replyTimeoutsSinceLastRecv).
					Debug("Reply timeout; sending aggressive keepalive")
				c.sendKeepalive(usecNow, true)
			} else {
				updateMinThinkTime(usecNow+20*1000, 5)
			}
		} else {
			updateMinThinkTime(usecSendAggressive, 20)
		}
	}

	// Ordinary keepalive?
	if c.stats.usecInFlightReplyTimeout == 0 {
		usecSendKeepalive := c.stats.usecTimeLastRecv + usecKeepAliveInterval
		if usecNow >= usecSendKeepalive {
			if c.canSendEndToEndData() {
				c.sendKeepalive(usecNow, false)
			} else {
				updateMinThinkTime(usecNow+20*1000, 5)
			}
		} else {
			updateMinThinkTime(usecSendKeepalive, 100)
		}
	}

	if usecMinNextThink <= usecNow {
		usecMinNextThink = usecNow + 1000
	}
	c.sockets.ensureMinThinkTime(c, usecMinNextThink)
}

// thinkSendState drives the segmentation layer: produce outbound
// packets while the transport will take them, then schedule around the
// layer's next deadline.
func (c *Connection) thinkSendState(usecNow int64, updateMinThinkTime func(int64, int64)) {
	if c.snp == nil || !c.canSendEndToEndData() {
		if c.snp != nil {
			updateMinThinkTime(usecNow+20*1000, 5)
		}
		return
	}
	for {
		pkt := c.snp.ProduceNextPacket(usecNow, limits.MaxPlaintextPayloadSend)
		if pkt == nil {
			break
		}
		if !c.sendEncryptedFrame(pkt, usecNow, false) {
			break
		}
	}
	if next := c.snp.NextThinkTime(usecNow); next > usecNow {
		updateMinThinkTime(next, 1)
	}
}

// connectionTimedOut closes the connection with the most enlightened
// guess about what went wrong.
func (c *Connection) connectionTimedOut() {
	var msg string
	switch c.state {
	case ConnectionStateConnecting:
		msg = "Timed out attempting to connect"
	case ConnectionStateFindingRoute:
		msg = "Timed out attempting to negotiate rendezvous"
	default:
		msg = "Connection dropped"
	}
	c.connectionProblemDetectedLocally(EndMiscTimeout, "%s", msg)
}

// queueDestroy releases resources and arranges for the scheduler to
// delete the connection at its next tick, never from inside the
// connection's own methods.
func (c *Connection) queueDestroy(usecNow int64) {
	c.freeResources(usecNow)
	c.sockets.scheduleThink(c, usecNow)
}

// freeResources moves the connection to Dead and detaches it from
// everything. Idempotent.
func (c *Connection) freeResources(usecNow int64) {
	c.setState(ConnectionStateDead, usecNow)

	// A loopback partner loses its peer the moment we go away.
	if c.partner != nil {
		p := c.partner
		c.partner = nil
		p.partner = nil
		p.connectionClosedByPeer(EndMiscGeneric, "The remote host closed the connection.")
	}

	c.recvQueue.purge()

	// Detach from the listen socket that owns us, if any.
	if c.parent != nil {
		c.parent.aboutToDestroyChildConnection(c)
	}

	freeConnectionID(c.idLocal, c)
	c.idLocal = 0

	c.clearCrypto()
	c.partner = nil
	c.snp = nil
	c.signaling = nil
	c.transport = nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
