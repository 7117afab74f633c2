package steamdatagram

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/steamdatagram/identity"
)

// remoteConnectionKey identifies a child connection of a listen socket.
// Two connect requests from the same identity with different remote
// connection IDs are distinct connections.
type remoteConnectionKey struct {
	identity string
	connID   uint32
}

// ListenSocket accepts inbound connections. Every child connection's
// received messages are also linked into the listen socket's own
// receive queue, so the application may drain either per-connection or
// per-socket.
type ListenSocket struct {
	handle      ListenSocketHandle
	sockets     *Sockets
	virtualPort int

	children  map[remoteConnectionKey]*Connection
	recvQueue messageQueue

	cfg ConnectionConfig
}

// Handle returns the listen socket's handle.
func (ls *ListenSocket) Handle() ListenSocketHandle { return ls.handle }

// addChildConnection wires up the ownership cycle: the map edge owns,
// the back-pointer is weak.
func (ls *ListenSocket) addChildConnection(c *Connection) error {
	key := remoteConnectionKey{identity: c.identityRemote.String(), connID: c.idRemote}
	if _, exists := ls.children[key]; exists {
		return fmt.Errorf("duplicate child connection for %s/#%d", key.identity, key.connID)
	}
	if c.parent != nil {
		return fmt.Errorf("connection already has a parent listen socket")
	}
	c.parent = ls
	c.cfg = ls.cfg
	ls.children[key] = c
	return nil
}

// aboutToDestroyChildConnection detaches a child. The weak back-pointer
// is cleared before the map edge so nothing can re-enter through it.
func (ls *ListenSocket) aboutToDestroyChildConnection(c *Connection) {
	key := remoteConnectionKey{identity: c.identityRemote.String(), connID: c.idRemote}
	c.parent = nil

	if ls.children[key] == c {
		delete(ls.children, key)
		return
	}

	// Bookkeeping corruption; scrub the hard way.
	logrus.WithField("function", "aboutToDestroyChildConnection").Error("Listen socket child list corruption!")
	for k, child := range ls.children {
		if child == c {
			delete(ls.children, k)
		}
	}
}

// ReceivedConnectRequest routes an inbound handshake frame to a new
// child connection in the Connecting state, waiting for the application
// to accept. A repeated request for an existing child returns that
// child's handle.
func (ls *ListenSocket) ReceivedConnectRequest(remoteIdentity identity.Identity, remoteConnID uint32, frame *HandshakeFrame, signaling SignalingChannel) (ConnectionHandle, error) {
	ls.sockets.mu.Lock()
	defer ls.sockets.mu.Unlock()

	usecNow := ls.sockets.Now()

	if remoteIdentity.IsInvalid() || remoteConnID == 0 || frame == nil ||
		frame.Cert == nil || frame.Crypt == nil {
		// A request this malformed could be spoofed garbage; any reply
		// rides the spam gate.
		if frame != nil {
			replyConnectionClosed(signaling, frame.FromConnectionID, 0,
				EndMiscGeneric, "Malformed connect request", usecNow)
		}
		return InvalidConnectionHandle, fmt.Errorf("malformed connect request")
	}

	key := remoteConnectionKey{identity: remoteIdentity.String(), connID: remoteConnID}
	if existing, ok := ls.children[key]; ok {
		return existing.Handle(), nil
	}

	c := newConnection(ls.sockets)
	c.identityRemote = remoteIdentity
	c.idRemote = remoteConnID
	c.signaling = signaling
	c.virtualPort = ls.virtualPort
	c.pendingRemoteHandshake = frame

	if err := ls.addChildConnection(c); err != nil {
		return InvalidConnectionHandle, err
	}
	if err := c.initConnection(usecNow); err != nil {
		ls.aboutToDestroyChildConnection(c)
		replyConnectionClosed(signaling, remoteConnID, 0,
			EndMiscInternalError, "Failed to create connection", usecNow)
		return InvalidConnectionHandle, err
	}
	ls.sockets.addThinker(c)
	ls.sockets.scheduleThink(c, usecNow)

	logrus.WithFields(logrus.Fields{
		"function":       "ReceivedConnectRequest",
		"remote":         remoteIdentity.String(),
		"remote_conn_id": remoteConnID,
		"handle":         c.Handle(),
	}).Info("Inbound connection pending accept")

	return c.Handle(), nil
}

// destroy tears down every child first, then the socket itself.
func (ls *ListenSocket) destroy(usecNow int64) {
	for len(ls.children) > 0 {
		for _, child := range ls.children {
			child.freeResources(usecNow)
			ls.sockets.removeThinker(child)
			child.destroyed = true
			break
		}
	}
	ls.recvQueue.purge()
	delete(ls.sockets.listenSockets, ls.handle)
}
