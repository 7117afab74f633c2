package steamdatagram

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/steamdatagram/identity"
	"github.com/opd-ai/steamdatagram/interfaces"
)

// ConnectionInfo is the descriptive snapshot returned by
// GetConnectionInfo.
type ConnectionInfo struct {
	State          ConnectionState
	ListenSocket   ListenSocketHandle
	IdentityRemote identity.Identity
	UserData       int64
	EndReason      EndReason
	EndDebug       string
	Description    string
}

// QuickConnectionStatus is the cheap-to-read health snapshot.
type QuickConnectionStatus struct {
	State         ConnectionState
	PingMs        int
	QualityLocal  float32
	QualityRemote float32
	OutPackets    int64
	InPackets     int64
}

// StatusChangedEvent notifies the application of an API-visible state
// transition. Events for one connection are delivered in the order the
// transitions occurred.
type StatusChangedEvent struct {
	Conn     ConnectionHandle
	Info     ConnectionInfo
	OldState ConnectionState
}

// StatusChangedCallback receives connection state notifications during
// Iterate or RunCallbacks.
type StatusChangedCallback func(StatusChangedEvent)

// Sockets is the top-level API object. All connection state is mutated
// under its lock, driven by Iterate; public calls from other goroutines
// serialize on the same lock.
type Sockets struct {
	mu  sync.Mutex
	cfg Config

	listenSockets    map[ListenSocketHandle]*ListenSocket
	nextListenHandle ListenSocketHandle

	thinkers thinkerHeap

	pendingCallbacks []StatusChangedEvent
	statusCallback   StatusChangedCallback

	timeBase time.Time
	timeFn   func() int64
	wallFn   func() int64

	shutdown bool
}

// New creates a Sockets instance for the given configuration.
func New(cfg Config) (*Sockets, error) {
	if cfg.Identity.IsInvalid() {
		return nil, fmt.Errorf("a local identity is required")
	}
	s := &Sockets{
		cfg:              cfg,
		listenSockets:    make(map[ListenSocketHandle]*ListenSocket),
		nextListenHandle: 1,
		timeBase:         time.Now(),
	}
	s.timeFn = func() int64 {
		// Monotonic, strictly positive.
		return time.Since(s.timeBase).Microseconds() + 1
	}
	s.wallFn = func() int64 { return time.Now().Unix() }

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"identity": cfg.Identity.String(),
		"app_id":   cfg.AppID,
	}).Info("Sockets instance created")
	return s, nil
}

// Now returns the current local timestamp in microseconds. The clock is
// monotonic and starts near zero at instance creation.
func (s *Sockets) Now() int64 { return s.timeFn() }

func (s *Sockets) nowWallUnix() int64 { return s.wallFn() }

// setTimeFuncsForTest installs deterministic clocks.
func (s *Sockets) setTimeFuncsForTest(usec func() int64, wall func() int64) {
	if usec != nil {
		s.timeFn = usec
	}
	if wall != nil {
		s.wallFn = wall
	}
}

// Iterate drives the scheduler: wake every connection whose deadline
// has arrived, then deliver queued status callbacks.
func (s *Sockets) Iterate(usecNow int64) {
	s.mu.Lock()
	s.runThinkers(usecNow)
	s.mu.Unlock()

	s.RunCallbacks()
}

// RunCallbacks delivers pending status-changed notifications in order.
func (s *Sockets) RunCallbacks() {
	s.mu.Lock()
	pending := s.pendingCallbacks
	s.pendingCallbacks = nil
	cb := s.statusCallback
	s.mu.Unlock()

	if cb == nil {
		return
	}
	for _, ev := range pending {
		cb(ev)
	}
}

// SetStatusChangedCallback registers the state-change listener.
func (s *Sockets) SetStatusChangedCallback(cb StatusChangedCallback) {
	s.mu.Lock()
	s.statusCallback = cb
	s.mu.Unlock()
}

func (s *Sockets) queueStatusChanged(c *Connection, oldAPIState ConnectionState) {
	ev := StatusChangedEvent{
		Conn:     c.Handle(),
		OldState: oldAPIState,
	}
	c.populateConnectionInfo(&ev.Info)
	s.pendingCallbacks = append(s.pendingCallbacks, ev)
}

func (c *Connection) populateConnectionInfo(info *ConnectionInfo) {
	info.State = c.state.APIState()
	if c.parent != nil {
		info.ListenSocket = c.parent.handle
	}
	info.IdentityRemote = c.identityRemote
	info.UserData = c.userData
	info.EndReason = c.endReason
	info.EndDebug = c.endDebug
	info.Description = c.description
}

// CreateListenSocket creates a listen socket bound to a local virtual
// port.
func (s *Sockets) CreateListenSocket(localVirtualPort int) (ListenSocketHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return 0, fmt.Errorf("sockets instance is shut down")
	}
	ls := &ListenSocket{
		handle:      s.nextListenHandle,
		sockets:     s,
		virtualPort: localVirtualPort,
		children:    make(map[remoteConnectionKey]*Connection),
		cfg:         s.cfg.Connection,
	}
	s.nextListenHandle++
	s.listenSockets[ls.handle] = ls
	return ls.handle, nil
}

// GetListenSocket returns the listen socket behind a handle, for wiring
// inbound connect requests.
func (s *Sockets) GetListenSocket(h ListenSocketHandle) (*ListenSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.listenSockets[h]
	return ls, ok
}

// CloseListenSocket destroys the listen socket and every child
// connection.
func (s *Sockets) CloseListenSocket(h ListenSocketHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.listenSockets[h]
	if !ok {
		return false
	}
	ls.destroy(s.Now())
	return true
}

// Connect begins connecting to a remote identity on a virtual port.
// Handshake frames travel over the supplied signaling channel; a nil
// channel means the transport cannot send yet and the attempt will sit
// in Connecting until it times out.
func (s *Sockets) Connect(remoteIdentity identity.Identity, remoteVirtualPort int, signaling SignalingChannel) (ConnectionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return InvalidConnectionHandle, fmt.Errorf("sockets instance is shut down")
	}
	if remoteIdentity.IsInvalid() {
		return InvalidConnectionHandle, fmt.Errorf("invalid remote identity")
	}

	usecNow := s.Now()
	c := newConnection(s)
	c.identityRemote = remoteIdentity
	c.virtualPort = remoteVirtualPort
	c.signaling = signaling

	if err := c.initConnection(usecNow); err != nil {
		return InvalidConnectionHandle, err
	}
	s.addThinker(c)
	s.scheduleThink(c, usecNow)

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"remote":   remoteIdentity.String(),
		"handle":   c.Handle(),
	}).Info("Connection attempt started")
	return c.Handle(), nil
}

// ReceivedConnectReply ingests the peer's handshake reply for a
// connection created by Connect, the mirror of
// ListenSocket.ReceivedConnectRequest. It learns the remote connection
// ID, validates the peer's cert and session info, derives the session
// keys, and completes the connection.
func (s *Sockets) ReceivedConnectReply(h ConnectionHandle, frame *HandshakeFrame) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return ResultNoConnection
	}
	if frame == nil || frame.Cert == nil || frame.Crypt == nil || frame.FromConnectionID == 0 {
		return ResultInvalidParam
	}

	// Retransmitted reply after key exchange already completed.
	if c.cryptKeysValid {
		return ResultIgnored
	}
	if c.state != ConnectionStateConnecting {
		return ResultInvalidState
	}

	usecNow := s.Now()
	if c.idRemote == 0 {
		c.idRemote = frame.FromConnectionID
	} else if c.idRemote != frame.FromConnectionID {
		// Reply from somebody other than the connection we initiated.
		return ResultIgnored
	}

	// Hearing the reply counts as hearing from the peer.
	c.stats.trackRecvPacket(usecNow)

	if !c.recvCryptoHandshake(frame.Cert, frame.Crypt, false) {
		// The reply failed authentication; anything we say back could
		// be feeding a spoofer, so the close notice rides the spam
		// gate.
		c.replyConnectionClosed(usecNow)
		return ResultFail
	}

	c.setDescription()
	c.connectionConnected(usecNow)
	return ResultOK
}

// Accept approves an inbound connection delivered to a listen socket.
func (s *Sockets) Accept(h ConnectionHandle) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return ResultNoConnection
	}
	return c.apiAccept(s.Now())
}

// SendMessage queues a message onto a connection.
func (s *Sockets) SendMessage(h ConnectionHandle, data []byte, sendFlags int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return ResultNoConnection
	}
	return c.apiSend(data, sendFlags)
}

// FlushMessages forces out any Nagle-delayed messages.
func (s *Sockets) FlushMessages(h ConnectionHandle) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return ResultNoConnection
	}
	return c.apiFlush()
}

// ReceiveMessagesOnConnection drains up to maxMessages from one
// connection's queue, in the order they were assembled.
func (s *Sockets) ReceiveMessagesOnConnection(h ConnectionHandle, maxMessages int) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return nil
	}
	return c.apiReceiveMessages(maxMessages)
}

// ReceiveMessagesOnListenSocket drains up to maxMessages across every
// child of a listen socket.
func (s *Sockets) ReceiveMessagesOnListenSocket(h ListenSocketHandle, maxMessages int) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.listenSockets[h]
	if !ok {
		return nil
	}
	return ls.recvQueue.removeMessages(maxMessages)
}

// CloseConnection closes a connection. If linger is set and the
// connection is fully connected, queued reliable data drains before the
// connection winds down.
func (s *Sockets) CloseConnection(h ConnectionHandle, reason EndReason, debug string, linger bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return false
	}
	c.apiClose(reason, debug, linger)
	return true
}

// GetConnectionInfo returns the descriptive snapshot for a connection.
func (s *Sockets) GetConnectionInfo(h ConnectionHandle) (ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return ConnectionInfo{}, false
	}
	var info ConnectionInfo
	c.populateConnectionInfo(&info)
	return info, true
}

// GetQuickConnectionStatus returns the cheap health snapshot.
func (s *Sockets) GetQuickConnectionStatus(h ConnectionHandle) (QuickConnectionStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return QuickConnectionStatus{}, false
	}
	return QuickConnectionStatus{
		State:         c.state.APIState(),
		PingMs:        c.stats.pingMs,
		QualityLocal:  c.stats.qualityLocal,
		QualityRemote: c.stats.qualityRemote,
		OutPackets:    c.stats.sentPackets,
		InPackets:     c.stats.recvPackets,
	}, true
}

// SetConnectionUserData attaches opaque user data, propagated onto
// messages already queued.
func (s *Sockets) SetConnectionUserData(h ConnectionHandle, v int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return false
	}
	c.setUserData(v)
	return true
}

// SetConnectionSegmentationLayer attaches the reliability layer for a
// connection. The layer delivers reassembled messages back through the
// connection's MessageReceiver side.
func (s *Sockets) SetConnectionSegmentationLayer(h ConnectionHandle, snp interfaces.SegmentationLayer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return false
	}
	c.snp = snp
	return true
}

// SetConnectionPacketTransport attaches the encrypted-datagram
// transport.
func (s *Sockets) SetConnectionPacketTransport(h ConnectionHandle, tr PacketTransport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return false
	}
	c.transport = tr
	return true
}

// ReceivedEncryptedPacket injects an inbound wire frame for a
// connection; the host application's I/O loop calls this.
func (s *Sockets) ReceivedEncryptedPacket(h ConnectionHandle, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return
	}
	c.receivedEncryptedPacket(frame, s.Now())
}

// ConnectionRouteSearchBegan is called by the transport once the
// handshake is acceptable and the route search begins. Transports with
// no route-search phase skip straight to the first end-to-end packet.
func (s *Sockets) ConnectionRouteSearchBegan(h ConnectionHandle) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return ResultNoConnection
	}
	if c.state != ConnectionStateConnecting && c.state != ConnectionStateFindingRoute {
		return ResultInvalidState
	}
	c.connectionFindingRoute(s.Now())
	return ResultOK
}

// ReceivedConnectionClose injects a peer-sent close notification.
func (s *Sockets) ReceivedConnectionClose(h ConnectionHandle, reason EndReason, debug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := findConnection(h)
	if c == nil || c.sockets != s {
		return
	}
	c.connectionClosedByPeer(reason, debug)
}

// finalizeConnection deletes a Dead connection at a scheduler tick, the
// only place deletion is allowed.
func (s *Sockets) finalizeConnection(c *Connection) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	s.removeThinker(c)
	c.log().Debug("Connection deleted")
}

// Shutdown destroys every listen socket and connection. The instance
// cannot be reused.
func (s *Sockets) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	usecNow := s.Now()
	for _, ls := range s.listenSockets {
		ls.destroy(usecNow)
	}
	for len(s.thinkers) > 0 {
		c := s.thinkers[0]
		c.freeResources(usecNow)
		s.removeThinker(c)
		c.destroyed = true
	}
	s.pendingCallbacks = nil
	s.shutdown = true
}
