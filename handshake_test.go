package steamdatagram

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/steamdatagram/cert"
	"github.com/opd-ai/steamdatagram/crypto"
	"github.com/opd-ai/steamdatagram/identity"
)

// testCA installs a fresh CA into the trust store and returns its
// private key.
func testCA(t *testing.T) crypto.SigningPrivateKey {
	t.Helper()
	caPub, caPriv, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	cert.InstallTrustedKey(cert.TrustedKey{ID: crypto.PublicKeyID(caPub), PublicKey: caPub})
	t.Cleanup(cert.ResetTrustedKeys)
	return caPriv
}

type peerHandshake struct {
	signedCert *cert.Signed
	crypt      *SignedCryptInfo
	cryptInfo  CryptInfo
}

// makePeerHandshake fabricates the remote half of a handshake: a cert
// for peerIdentity (CA-signed when caPriv is non-nil) plus signed
// session crypt info.
func makePeerHandshake(t *testing.T, peerIdentity identity.Identity, appID uint32, expiry int64, caPriv *crypto.SigningPrivateKey, mutateCrypt func(*CryptInfo)) *peerHandshake {
	t.Helper()

	idPub, idPriv, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	record := &cert.Certificate{
		KeyData:    idPub[:],
		KeyType:    cert.KeyTypeED25519,
		TimeExpiry: expiry,
		AppIDs:     []uint32{appID},
		Identity:   peerIdentity.String(),
	}

	var signed *cert.Signed
	if caPriv != nil {
		signed, err = cert.Sign(record, *caPriv)
	} else {
		signed, err = cert.SelfSigned(record)
	}
	require.NoError(t, err)

	kex, err := crypto.GenerateKeyExchangeKeyPair()
	require.NoError(t, err)

	ci := CryptInfo{
		ProtocolVersion: currentProtocolVersion,
		KeyType:         KeyExchangeCurve25519,
		KeyData:         kex.Public[:],
		Nonce:           0xDEADBEEF12345678,
	}
	if mutateCrypt != nil {
		mutateCrypt(&ci)
	}
	info, err := json.Marshal(&ci)
	require.NoError(t, err)
	sig, err := crypto.Sign(info, idPriv)
	require.NoError(t, err)

	return &peerHandshake{
		signedCert: signed,
		crypt:      &SignedCryptInfo{Info: info, Signature: sig[:]},
		cryptInfo:  ci,
	}
}

// newConnectingConn builds a client-side connection sitting in
// Connecting, ready to consume a handshake.
func newConnectingConn(t *testing.T, s *Sockets, remote identity.Identity) *Connection {
	t.Helper()
	h, err := s.Connect(remote, 0, nil)
	require.NoError(t, err)
	c := findConnection(h)
	require.NotNil(t, c)
	c.idRemote = 0x01020304
	return c
}

func TestHandshakeWithPinnedCA(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	c := newConnectingConn(t, s, remote)

	peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, nil)

	require.True(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
	assert.True(t, c.cryptKeysValid)
	assert.Equal(t, ConnectionStateConnecting, c.state, "still connecting until end-to-end data flows")

	// Transport reports the handshake acceptable; route search begins.
	require.Equal(t, ResultOK, s.ConnectionRouteSearchBegan(c.Handle()))
	assert.Equal(t, ConnectionStateFindingRoute, c.state)
	assert.True(t, c.cryptKeysValid, "FindingRoute implies crypt_keys_valid")

	// First end-to-end keepalive completes the connection.
	c.stats.trackRecvPacket(tc.now())
	c.connectionConnected(tc.now())
	assert.Equal(t, ConnectionStateConnected, c.state)
}

func TestReceivedConnectReplyCompletesInitiator(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	sig := &fakeSignaling{}
	h, err := s.Connect(remote, 5, sig)
	require.NoError(t, err)
	c := findConnection(h)
	require.NotNil(t, c)
	require.Equal(t, uint32(0), c.idRemote)

	peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, nil)
	reply := &HandshakeFrame{
		FromConnectionID: 0x0A0B0C0D,
		Cert:             peer.signedCert,
		Crypt:            peer.crypt,
	}

	require.Equal(t, ResultOK, s.ReceivedConnectReply(h, reply))
	assert.Equal(t, ConnectionStateConnected, c.state)
	assert.True(t, c.cryptKeysValid)
	assert.Equal(t, uint32(0x0A0B0C0D), c.idRemote, "remote connection ID learned from the reply")

	// A retransmitted reply is ignored, not reprocessed.
	assert.Equal(t, ResultIgnored, s.ReceivedConnectReply(h, reply))

	// Replies for unknown handles or with missing material are
	// rejected outright.
	assert.Equal(t, ResultNoConnection, s.ReceivedConnectReply(InvalidConnectionHandle, reply))
	assert.Equal(t, ResultInvalidParam, s.ReceivedConnectReply(h, &HandshakeFrame{FromConnectionID: 1}))
}

func TestReceivedConnectReplyRoundTripsSignaling(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	sig := &fakeSignaling{}
	h, err := s.Connect(remote, 5, sig)
	require.NoError(t, err)

	// Drive the connect request out, then answer it the way a host
	// application's signaling loop would: parse and feed back in.
	s.Iterate(tc.now())
	require.NotEmpty(t, sig.frames)
	request, err := ParseHandshakeFrame(sig.frames[0])
	require.NoError(t, err)
	require.Equal(t, uint32(findConnection(h).idLocal), request.FromConnectionID)

	peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, nil)
	require.Equal(t, ResultOK, s.ReceivedConnectReply(h, &HandshakeFrame{
		FromConnectionID: 0x22224444,
		Cert:             peer.signedCert,
		Crypt:            peer.crypt,
	}))

	status, ok := s.GetQuickConnectionStatus(h)
	require.True(t, ok)
	assert.Equal(t, ConnectionStateConnected, status.State)
}

func TestRejectedConnectReplySendsSpamGatedClose(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	makeBadReply := func(remote identity.Identity, fromID uint32) *HandshakeFrame {
		peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, func(ci *CryptInfo) {
			ci.ProtocolVersion = minRequiredProtocolVersion - 1
		})
		return &HandshakeFrame{FromConnectionID: fromID, Cert: peer.signedCert, Crypt: peer.crypt}
	}

	remote1 := identity.FromSteamID(7777)
	sig1 := &fakeSignaling{}
	h1, err := s.Connect(remote1, 5, sig1)
	require.NoError(t, err)

	remote2 := identity.FromSteamID(8888)
	sig2 := &fakeSignaling{}
	h2, err := s.Connect(remote2, 5, sig2)
	require.NoError(t, err)

	// First failed reply: the close notice goes out.
	require.Equal(t, ResultFail, s.ReceivedConnectReply(h1, makeBadReply(remote1, 0x1111)))
	require.Len(t, sig1.frames, 1)
	require.Equal(t, SignalFrameConnectionClosed, SignalFrameTypeOf(sig1.frames[0]))
	closed, err := ParseConnectionClosedFrame(sig1.frames[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1111), closed.ToConnectionID)
	assert.Equal(t, EndRemoteBadProtocolVersion, closed.Reason)

	// Second failed reply inside the gate interval: silence, even
	// though it is a different connection.
	require.Equal(t, ResultFail, s.ReceivedConnectReply(h2, makeBadReply(remote2, 0x2222)))
	assert.Empty(t, sig2.frames, "spam gate is process-wide")
}

func TestHandshakeRejectsTamperedCert(t *testing.T) {
	caPriv := testCA(t)

	remote := identity.FromSteamID(7777)

	// Modify any byte of the cert post-sign: the connection must close
	// with Remote_BadCert.
	for _, idx := range []int{0, 10, 40} {
		s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
		c := newConnectingConn(t, s, remote)

		peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, nil)
		tampered := *peer.signedCert
		tampered.CertBytes = append([]byte(nil), peer.signedCert.CertBytes...)
		require.Greater(t, len(tampered.CertBytes), idx)
		tampered.CertBytes[idx] ^= 0x20

		assert.False(t, c.recvCryptoHandshake(&tampered, peer.crypt, false), "byte %d", idx)
		assert.Equal(t, ConnectionStateProblemDetectedLocally, c.state)
		assert.Equal(t, EndRemoteBadCert, c.endReason, "byte %d: %s", idx, c.endDebug)
		assert.False(t, c.cryptKeysValid)
		s.Shutdown()
	}
}

func TestHandshakeRejectsOldProtocolVersion(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	c := newConnectingConn(t, s, remote)

	peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, func(ci *CryptInfo) {
		ci.ProtocolVersion = minRequiredProtocolVersion - 1
	})

	assert.False(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
	assert.Equal(t, EndRemoteBadProtocolVersion, c.endReason)
	assert.Contains(t, c.endDebug, "V3")
	assert.Contains(t, c.endDebug, "V4")
}

func TestHandshakeRejectsVersionChange(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	c := newConnectingConn(t, s, remote)

	// Peer advertised a different version earlier in the conversation.
	c.stats.peerProtocolVersion = currentProtocolVersion + 1

	peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, nil)
	assert.False(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
	assert.Equal(t, EndRemoteBadProtocolVersion, c.endReason)
}

func TestHandshakeUnsignedCertPolicy(t *testing.T) {
	remote := identity.FromSteamID(7777)

	t.Run("reject", func(t *testing.T) {
		s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) {
			cfg.AppID = 440
			cfg.Connection.RemoteUnsignedCertPolicy = UnsignedCertReject
		})
		defer s.Shutdown()
		c := newConnectingConn(t, s, remote)
		peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, nil, nil)

		assert.False(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
		assert.Equal(t, EndRemoteBadCert, c.endReason)
		assert.Contains(t, c.endDebug, "Unsigned certs are not allowed")
	})

	t.Run("allow-with-warning is the default", func(t *testing.T) {
		s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
		defer s.Shutdown()
		c := newConnectingConn(t, s, remote)
		peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, nil, nil)

		assert.True(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
		assert.True(t, c.cryptKeysValid)
	})
}

func TestHandshakeExpiredCertFailsClosed(t *testing.T) {
	caPriv := testCA(t)
	remote := identity.FromSteamID(7777)

	t.Run("expired rejected by default", func(t *testing.T) {
		s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
		defer s.Shutdown()
		c := newConnectingConn(t, s, remote)
		peer := makePeerHandshake(t, remote, 440, tc.nowWall()-10, &caPriv, nil)

		assert.False(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
		assert.Equal(t, EndRemoteBadCert, c.endReason)
		assert.Contains(t, c.endDebug, "expired")
	})

	t.Run("expired allowed when configured", func(t *testing.T) {
		s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) {
			cfg.AppID = 440
			cfg.Connection.AllowExpiredCerts = true
		})
		defer s.Shutdown()
		c := newConnectingConn(t, s, remote)
		peer := makePeerHandshake(t, remote, 440, tc.nowWall()-10, &caPriv, nil)

		assert.True(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
		assert.True(t, c.cryptKeysValid)
	})
}

func TestHandshakeRejectsWrongApp(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	c := newConnectingConn(t, s, remote)
	peer := makePeerHandshake(t, remote, 570, tc.nowWall()+86400, &caPriv, nil)

	assert.False(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
	assert.Equal(t, EndRemoteBadCert, c.endReason)
}

func TestHandshakeRejectsIdentityMismatch(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	c := newConnectingConn(t, s, remote)

	// Cert issued to somebody else entirely.
	peer := makePeerHandshake(t, identity.FromSteamID(8888), 440, tc.nowWall()+86400, &caPriv, nil)

	assert.False(t, c.recvCryptoHandshake(peer.signedCert, peer.crypt, false))
	assert.Equal(t, EndRemoteBadCert, c.endReason)
	assert.Contains(t, c.endDebug, "issued to")
}

func TestHandshakeRejectsBadCryptSignature(t *testing.T) {
	caPriv := testCA(t)
	s, tc := newTestSockets(identity.FromSteamID(42), func(cfg *Config) { cfg.AppID = 440 })
	defer s.Shutdown()

	remote := identity.FromSteamID(7777)
	c := newConnectingConn(t, s, remote)
	peer := makePeerHandshake(t, remote, 440, tc.nowWall()+86400, &caPriv, nil)

	// Crypt info signed by a key other than the one the cert binds.
	bad := *peer.crypt
	bad.Signature = append([]byte(nil), peer.crypt.Signature...)
	bad.Signature[0] ^= 0x01

	assert.False(t, c.recvCryptoHandshake(peer.signedCert, &bad, false))
	assert.Equal(t, EndRemoteBadCrypt, c.endReason)
}
