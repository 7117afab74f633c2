package steamdatagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/steamdatagram/identity"
)

// wireUpPair runs a full client/server handshake across two Sockets
// instances using fake signaling, then attaches transports and
// segmentation layers so encrypted traffic flows both ways.
func wireUpPair(t *testing.T) (client, server *Sockets, clientTC, serverTC *testClock, clientH, serverH ConnectionHandle, lsH ListenSocketHandle) {
	t.Helper()

	client, clientTC = newTestSocketsNoReset(identity.FromSteamID(1001), func(cfg *Config) { cfg.AppID = 7 })
	server, serverTC = newTestSocketsNoReset(identity.FromSteamID(2002), func(cfg *Config) { cfg.AppID = 7 })

	var err error
	lsH, err = server.CreateListenSocket(5)
	require.NoError(t, err)
	ls, ok := server.GetListenSocket(lsH)
	require.True(t, ok)

	serverSig := &fakeSignaling{}
	serverSig.forward = func(frameData []byte) {
		// Server's handshake reply lands at the client.
		require.Equal(t, SignalFrameHandshake, SignalFrameTypeOf(frameData))
		frame, err := ParseHandshakeFrame(frameData)
		require.NoError(t, err)
		require.Equal(t, ResultOK, client.ReceivedConnectReply(clientH, frame))
	}

	clientSig := &fakeSignaling{}
	clientSig.forward = func(frameData []byte) {
		frame, err := ParseHandshakeFrame(frameData)
		require.NoError(t, err)
		h, err := ls.ReceivedConnectRequest(identity.FromSteamID(1001), frame.FromConnectionID, frame, serverSig)
		require.NoError(t, err)
		serverH = h
	}

	clientH, err = client.Connect(identity.FromSteamID(2002), 5, clientSig)
	require.NoError(t, err)

	// Drive the client so it sends its connect request.
	client.Iterate(clientTC.now())
	require.NotEqual(t, InvalidConnectionHandle, serverH, "connect request routed to listen socket")

	// Application accepts; handshake reply completes the client side.
	require.Equal(t, ResultOK, server.Accept(serverH))

	clientConn := findConnection(clientH)
	serverConn := findConnection(serverH)
	require.Equal(t, ConnectionStateConnected, clientConn.state)
	require.Equal(t, ConnectionStateConnected, serverConn.state)

	// Attach segmentation and transports: each side's frames feed the
	// other's receive path.
	clientSNP := newFakeSNP(clientConn)
	serverSNP := newFakeSNP(serverConn)
	client.SetConnectionSegmentationLayer(clientH, clientSNP)
	server.SetConnectionSegmentationLayer(serverH, serverSNP)

	client.SetConnectionPacketTransport(clientH, &fakeTransport{
		canSend: true,
		deliver: func(frame []byte) { server.ReceivedEncryptedPacket(serverH, frame) },
	})
	server.SetConnectionPacketTransport(serverH, &fakeTransport{
		canSend: true,
		deliver: func(frame []byte) { client.ReceivedEncryptedPacket(clientH, frame) },
	})
	return
}

func TestAcceptedConnectionEndToEnd(t *testing.T) {
	resetGlobalState()
	client, server, clientTC, serverTC, clientH, serverH, lsH := wireUpPair(t)
	defer client.Shutdown()
	defer server.Shutdown()

	// Client -> server through the real encrypted path.
	require.Equal(t, ResultOK, client.SendMessage(clientH, []byte("ping"), SendReliable))
	clientTC.advance(1000)
	client.Iterate(clientTC.now())

	msgs := server.ReceiveMessagesOnConnection(serverH, 8)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("ping"), msgs[0].Data())
	assert.True(t, msgs[0].Sender().Equal(identity.FromSteamID(1001)))
	msgs[0].Release()

	// Server -> client.
	require.Equal(t, ResultOK, server.SendMessage(serverH, []byte("pong"), SendReliable))
	serverTC.advance(1000)
	server.Iterate(serverTC.now())

	back := client.ReceiveMessagesOnConnection(clientH, 8)
	require.Len(t, back, 1)
	assert.Equal(t, []byte("pong"), back[0].Data())
	back[0].Release()

	_ = lsH
}

func TestListenSocketSecondaryQueue(t *testing.T) {
	resetGlobalState()
	client, server, clientTC, _, clientH, serverH, lsH := wireUpPair(t)
	defer client.Shutdown()
	defer server.Shutdown()

	require.Equal(t, ResultOK, client.SendMessage(clientH, []byte("one"), 0))
	require.Equal(t, ResultOK, client.SendMessage(clientH, []byte("two"), 0))
	clientTC.advance(1000)
	client.Iterate(clientTC.now())

	// Drain via the listen socket instead of the connection.
	msgs := server.ReceiveMessagesOnListenSocket(lsH, 8)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Data())
	assert.Equal(t, []byte("two"), msgs[1].Data())
	assert.Equal(t, serverH, msgs[0].Connection())

	// Draining one queue empties the other view as well.
	assert.Empty(t, server.ReceiveMessagesOnConnection(serverH, 8))
	for _, m := range msgs {
		m.Release()
	}
}

func TestListenSocketChildLinkage(t *testing.T) {
	resetGlobalState()
	client, server, _, serverTC, _, serverH, lsH := wireUpPair(t)
	defer client.Shutdown()
	defer server.Shutdown()

	ls, ok := server.GetListenSocket(lsH)
	require.True(t, ok)
	serverConn := findConnection(serverH)
	require.NotNil(t, serverConn)

	// The back-pointer and the child map agree.
	key := remoteConnectionKey{identity: serverConn.identityRemote.String(), connID: serverConn.idRemote}
	assert.Same(t, ls, serverConn.parent)
	assert.Same(t, serverConn, ls.children[key])

	// Destroying the listen socket destroys every child first.
	require.True(t, server.CloseListenSocket(lsH))
	assert.Nil(t, serverConn.parent, "back-pointer cleared on detach")
	assert.Empty(t, ls.children)
	assert.Nil(t, findConnection(serverH), "child released")
	assert.Equal(t, ConnectionStateDead, serverConn.state)

	_, ok = server.GetListenSocket(lsH)
	assert.False(t, ok)
	_ = serverTC
}

func TestMalformedConnectRequestGetsSpamGatedReply(t *testing.T) {
	resetGlobalState()
	server, tc := newTestSocketsNoReset(identity.FromSteamID(2002), func(cfg *Config) { cfg.AppID = 7 })
	defer server.Shutdown()

	lsH, err := server.CreateListenSocket(5)
	require.NoError(t, err)
	ls, ok := server.GetListenSocket(lsH)
	require.True(t, ok)

	sig := &fakeSignaling{}

	// A request with no cert or crypt material never authenticates, so
	// the rejection travels through the spam gate.
	_, err = ls.ReceivedConnectRequest(identity.FromSteamID(5), 77,
		&HandshakeFrame{FromConnectionID: 77}, sig)
	require.Error(t, err)
	require.Len(t, sig.frames, 1)
	require.Equal(t, SignalFrameConnectionClosed, SignalFrameTypeOf(sig.frames[0]))

	closed, err := ParseConnectionClosedFrame(sig.frames[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(77), closed.ToConnectionID)
	assert.Equal(t, EndMiscGeneric, closed.Reason)

	// A second piece of garbage inside the gate interval gets silence.
	_, err = ls.ReceivedConnectRequest(identity.FromSteamID(6), 78,
		&HandshakeFrame{FromConnectionID: 78}, sig)
	require.Error(t, err)
	assert.Len(t, sig.frames, 1, "at most one spam reply per interval")

	// After the interval, replies resume.
	tc.advance(usecSpamReplyInterval + 1000)
	_, err = ls.ReceivedConnectRequest(identity.FromSteamID(9), 79,
		&HandshakeFrame{FromConnectionID: 79}, sig)
	require.Error(t, err)
	assert.Len(t, sig.frames, 2)
}

func TestDuplicateConnectRequestReturnsSameChild(t *testing.T) {
	resetGlobalState()
	client, server, _, _, clientH, serverH, lsH := wireUpPair(t)
	defer client.Shutdown()
	defer server.Shutdown()

	ls, ok := server.GetListenSocket(lsH)
	require.True(t, ok)

	clientConn := findConnection(clientH)
	frame, err := clientConn.localHandshakeFrame()
	require.NoError(t, err)

	again, err := ls.ReceivedConnectRequest(identity.FromSteamID(1001), clientConn.idLocal, frame, nil)
	require.NoError(t, err)
	assert.Equal(t, serverH, again, "retransmitted connect request maps to the existing child")
}
