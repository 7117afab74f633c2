package steamdatagram

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/steamdatagram/cert"
	"github.com/opd-ai/steamdatagram/crypto"
	"github.com/opd-ai/steamdatagram/identity"
)

// KeyExchangeKeyType identifies the key-agreement algorithm advertised
// in the session crypt info.
type KeyExchangeKeyType int32

const (
	KeyExchangeInvalid    KeyExchangeKeyType = 0
	KeyExchangeCurve25519 KeyExchangeKeyType = 1
)

// CryptInfo is the session negotiation record each peer signs with its
// identity key. Signatures cover the serialized bytes verbatim.
type CryptInfo struct {
	ProtocolVersion uint32             `json:"protocol_version"`
	KeyType         KeyExchangeKeyType `json:"key_type"`
	KeyData         []byte             `json:"key_data"`
	Nonce           uint64             `json:"nonce"`
}

// SignedCryptInfo wraps serialized crypt info plus the signature made
// with the private key matching the sender's certificate.
type SignedCryptInfo struct {
	Info      []byte `json:"info"`
	Signature []byte `json:"signature"`
}

// SignalFrameType identifies what a signaling frame carries. On the
// wire a frame is the type byte followed by the serialized record.
type SignalFrameType byte

const (
	SignalFrameInvalid          SignalFrameType = 0
	SignalFrameHandshake        SignalFrameType = 1
	SignalFrameConnectionClosed SignalFrameType = 2
)

// SignalFrameTypeOf peeks at the type byte so a dispatcher can route
// inbound signaling frames.
func SignalFrameTypeOf(data []byte) SignalFrameType {
	if len(data) == 0 {
		return SignalFrameInvalid
	}
	return SignalFrameType(data[0])
}

func encodeSignalFrame(frameType SignalFrameType, record interface{}) ([]byte, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(frameType)
	copy(out[1:], body)
	return out, nil
}

func decodeSignalFrame(frameType SignalFrameType, data []byte, record interface{}) error {
	if len(data) < 2 || SignalFrameType(data[0]) != frameType {
		return fmt.Errorf("not a type-%d signal frame", frameType)
	}
	return json.Unmarshal(data[1:], record)
}

// HandshakeFrame is the record exchanged over the signaling channel
// during connection setup. FromConnectionID tells the peer which
// connection ID to address us by.
type HandshakeFrame struct {
	FromConnectionID uint32           `json:"from_connection_id"`
	Cert             *cert.Signed     `json:"cert"`
	Crypt            *SignedCryptInfo `json:"crypt"`
}

// Serialize encodes a handshake frame for the signaling channel.
func (f *HandshakeFrame) Serialize() ([]byte, error) {
	return encodeSignalFrame(SignalFrameHandshake, f)
}

// ParseHandshakeFrame decodes a handshake frame.
func ParseHandshakeFrame(data []byte) (*HandshakeFrame, error) {
	var f HandshakeFrame
	if err := decodeSignalFrame(SignalFrameHandshake, data, &f); err != nil {
		return nil, fmt.Errorf("malformed handshake frame: %w", err)
	}
	return &f, nil
}

// ConnectionClosedFrame tells a peer that the connection it is
// addressing does not exist or has been torn down. These frames may be
// provoked by spoofed garbage, so senders must consult the global spam
// reply gate first.
type ConnectionClosedFrame struct {
	ToConnectionID   uint32    `json:"to_connection_id"`
	FromConnectionID uint32    `json:"from_connection_id,omitempty"`
	Reason           EndReason `json:"reason"`
	Debug            string    `json:"debug,omitempty"`
}

// Serialize encodes a connection-closed frame for the signaling
// channel.
func (f *ConnectionClosedFrame) Serialize() ([]byte, error) {
	return encodeSignalFrame(SignalFrameConnectionClosed, f)
}

// ParseConnectionClosedFrame decodes a connection-closed frame.
func ParseConnectionClosedFrame(data []byte) (*ConnectionClosedFrame, error) {
	var f ConnectionClosedFrame
	if err := decodeSignalFrame(SignalFrameConnectionClosed, data, &f); err != nil {
		return nil, fmt.Errorf("malformed connection-closed frame: %w", err)
	}
	return &f, nil
}

// replyConnectionClosed answers a peer whose frames have not been
// authenticated. The reply could be bait for a traffic-amplification
// game, so it rides the process-wide spam gate: at most one such reply
// per interval, no matter how many connections exist.
func replyConnectionClosed(signaling SignalingChannel, toConnID, fromConnID uint32, reason EndReason, debug string, usecNow int64) {
	if signaling == nil {
		return
	}
	if !CheckGlobalSpamReplyRateLimit(usecNow) {
		return
	}
	frame := &ConnectionClosedFrame{
		ToConnectionID:   toConnID,
		FromConnectionID: fromConnID,
		Reason:           reason,
		Debug:            debug,
	}
	data, err := frame.Serialize()
	if err != nil {
		return
	}
	if err := signaling.SendHandshake(data); err != nil {
		logrus.WithError(err).Debug("Failed to send connection-closed reply")
	}
}

// replyConnectionClosed sends the gated close reply carrying this
// connection's latched end reason.
func (c *Connection) replyConnectionClosed(usecNow int64) {
	replyConnectionClosed(c.signaling, c.idRemote, c.idLocal, c.endReason, c.endDebug, usecNow)
}

// initLocalCrypto sets up this end's half of the handshake: store the
// cert, generate the ephemeral key-exchange keypair and nonce, and sign
// the serialized crypt info with the identity key matching the cert.
func (c *Connection) initLocalCrypto(signedCert *cert.Signed, keyPrivate crypto.SigningPrivateKey, certHasIdentity bool) error {
	c.signedCertLocal = signedCert
	c.certHasIdentity = certHasIdentity

	kex, err := crypto.GenerateKeyExchangeKeyPair()
	if err != nil {
		return err
	}
	c.kexPrivateLocal = kex

	var nonceRaw [8]byte
	if _, err := rand.Read(nonceRaw[:]); err != nil {
		return err
	}

	c.cryptLocal = &CryptInfo{
		ProtocolVersion: currentProtocolVersion,
		KeyType:         KeyExchangeCurve25519,
		KeyData:         kex.Public[:],
		Nonce:           binary.LittleEndian.Uint64(nonceRaw[:]),
	}
	info, err := json.Marshal(c.cryptLocal)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(info, keyPrivate)
	if err != nil {
		return err
	}
	c.signedCryptLocal = &SignedCryptInfo{Info: info, Signature: sig[:]}
	return nil
}

// initLocalCryptoWithUnsignedCert generates a throwaway identity keypair
// and a self-signed certificate. CAs never issue certs for anonymous
// identities, so this is the only path for localhost connections.
func (c *Connection) initLocalCryptoWithUnsignedCert() error {
	pub, priv, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return err
	}

	certRecord := &cert.Certificate{
		KeyData:  pub[:],
		KeyType:  cert.KeyTypeED25519,
		Identity: c.identityLocal.String(),
		AppIDs:   []uint32{c.sockets.cfg.AppID},
	}
	signed, err := cert.SelfSigned(certRecord)
	if err != nil {
		return err
	}
	return c.initLocalCrypto(signed, priv, true)
}

// thinkCryptoReady makes sure we have local cert and crypt material,
// generating a self-signed cert when policy allows. Returns false if the
// connection cannot proceed.
func (c *Connection) thinkCryptoReady() bool {
	if c.signedCryptLocal != nil {
		return true
	}

	if c.identityLocal.IsLocalHost() {
		if err := c.initLocalCryptoWithUnsignedCert(); err != nil {
			c.connectionProblemDetectedLocally(EndMiscInternalError, "Failed to init local crypto: %v", err)
			return false
		}
		return true
	}

	if c.sockets.cfg.SignedCert != nil {
		if err := c.initLocalCrypto(c.sockets.cfg.SignedCert, c.sockets.cfg.PrivateKey, c.sockets.cfg.CertHasIdentity); err != nil {
			c.connectionProblemDetectedLocally(EndMiscInternalError, "Failed to init local crypto: %v", err)
			return false
		}
		return true
	}

	if c.cfg.AllowLocalUnsignedCert {
		if err := c.initLocalCryptoWithUnsignedCert(); err != nil {
			c.connectionProblemDetectedLocally(EndMiscInternalError, "Failed to init local crypto: %v", err)
			return false
		}
		return true
	}

	c.connectionProblemDetectedLocally(EndMiscInternalError, "Need a cert authority!")
	return false
}

// localHandshakeFrame packages this end's cert and crypt info for the
// signaling channel.
func (c *Connection) localHandshakeFrame() (*HandshakeFrame, error) {
	if c.signedCertLocal == nil || c.signedCryptLocal == nil {
		return nil, fmt.Errorf("local crypto not initialized")
	}
	return &HandshakeFrame{
		FromConnectionID: c.idLocal,
		Cert:             c.signedCertLocal,
		Crypt:            c.signedCryptLocal,
	}, nil
}

// recvCryptoHandshake validates the peer's certificate and session info
// and derives the symmetric session keys. server selects which side of
// the role-dependent swaps we perform. On failure the connection has
// already been moved to ProblemDetectedLocally with the appropriate end
// reason, and false is returned.
func (c *Connection) recvCryptoHandshake(msgCert *cert.Signed, msgSessionInfo *SignedCryptInfo, server bool) bool {
	// Key exchange already done; nothing to do.
	if c.cryptKeysValid {
		return true
	}

	if msgCert == nil || len(msgCert.CertBytes) == 0 || msgSessionInfo == nil || len(msgSessionInfo.Info) == 0 {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Crypto handshake missing cert or session data")
		return false
	}

	certRemote, err := cert.Parse(msgCert.CertBytes)
	if err != nil {
		c.connectionProblemDetectedLocally(EndRemoteBadCert, "Cert failed decode: %v", err)
		return false
	}
	keySigningRemote, err := certRemote.PublicKey()
	if err != nil {
		c.connectionProblemDetectedLocally(EndRemoteBadCert, "Cert has invalid identity key: %v", err)
		return false
	}

	// We need our own cert before we can derive anything.
	if c.signedCryptLocal == nil {
		if !c.cfg.AllowLocalUnsignedCert {
			c.log().Warn("No local cert and unsigned certs are not supposed to be allowed here; continuing anyway")
		}
		if err := c.initLocalCryptoWithUnsignedCert(); err != nil {
			c.connectionProblemDetectedLocally(EndMiscInternalError, "Failed to init local crypto: %v", err)
			return false
		}
	}

	if !c.validateRemoteCertRestrictions(certRemote, msgCert) {
		return false
	}

	if msgCert.HasCASignature() {
		if err := msgCert.VerifyCASignature(); err != nil {
			c.connectionProblemDetectedLocally(EndRemoteBadCert, "%v", err)
			return false
		}

		// CA-signed certs without an expiry would be unkillable, so an
		// absent or passed expiry is a failure unless configured
		// otherwise.
		now := c.sockets.nowWallUnix()
		if certRemote.TimeExpiry == 0 || now > certRemote.TimeExpiry {
			if c.cfg.AllowExpiredCerts {
				c.log().WithField("expiry", certRemote.TimeExpiry).Warn("Cert expired; allowed by configuration")
			} else {
				c.connectionProblemDetectedLocally(EndRemoteBadCert, "Cert expired %d secs ago at %d", now-certRemote.TimeExpiry, certRemote.TimeExpiry)
				return false
			}
		}
	} else {
		switch c.cfg.RemoteUnsignedCertPolicy {
		case UnsignedCertAllowWarn:
			c.log().Warn("Remote host is using an unsigned cert. Allowing connection, but it's not secure!")
		case UnsignedCertAllow:
		default:
			c.connectionProblemDetectedLocally(EndRemoteBadCert, "Unsigned certs are not allowed")
			return false
		}
	}

	var cryptRemote CryptInfo
	if err := json.Unmarshal(msgSessionInfo.Info, &cryptRemote); err != nil {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Crypt info failed decode: %v", err)
		return false
	}

	if cryptRemote.ProtocolVersion < minRequiredProtocolVersion {
		c.connectionProblemDetectedLocally(EndRemoteBadProtocolVersion,
			"Peer is running old software and needs to be updated. (V%d, >=V%d is required)",
			cryptRemote.ProtocolVersion, minRequiredProtocolVersion)
		return false
	}
	if c.stats.peerProtocolVersion != 0 && c.stats.peerProtocolVersion != cryptRemote.ProtocolVersion {
		c.connectionProblemDetectedLocally(EndRemoteBadProtocolVersion,
			"Claiming protocol V%d now, but earlier was using V%d",
			cryptRemote.ProtocolVersion, c.stats.peerProtocolVersion)
		return false
	}
	c.stats.peerProtocolVersion = cryptRemote.ProtocolVersion

	// The session info must be signed by the key the cert binds.
	if len(msgSessionInfo.Signature) != crypto.SignatureSize {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Bad crypt signature size %d", len(msgSessionInfo.Signature))
		return false
	}
	var sig crypto.Signature
	copy(sig[:], msgSessionInfo.Signature)
	if !crypto.Verify(msgSessionInfo.Info, sig, keySigningRemote) {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Invalid crypt signature")
		return false
	}

	if cryptRemote.KeyType != KeyExchangeCurve25519 {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Unsupported DH key type %d", cryptRemote.KeyType)
		return false
	}
	var keyExchangeRemote [32]byte
	if len(cryptRemote.KeyData) != len(keyExchangeRemote) {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Invalid DH key")
		return false
	}
	copy(keyExchangeRemote[:], cryptRemote.KeyData)

	keys, err := crypto.DeriveSessionKeys(c.kexPrivateLocal.Private, keyExchangeRemote, &crypto.KeyDerivationContext{
		LocalConnID:     c.idLocal,
		RemoteConnID:    c.idRemote,
		LocalNonce:      c.cryptLocal.Nonce,
		RemoteNonce:     cryptRemote.Nonce,
		LocalCert:       c.signedCertLocal.CertBytes,
		RemoteCert:      msgCert.CertBytes,
		LocalCryptInfo:  c.signedCryptLocal.Info,
		RemoteCryptInfo: msgSessionInfo.Info,
		Server:          server,
	})
	if err != nil {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Key exchange failed")
		return false
	}

	// The ephemeral private key has served its purpose.
	c.kexPrivateLocal.Wipe()

	cipher, err := crypto.NewPacketCipher(keys)
	keys.Wipe()
	if err != nil {
		c.connectionProblemDetectedLocally(EndRemoteBadCrypt, "Error initializing crypto")
		return false
	}
	c.cipher = cipher

	c.signedCertRemote = msgCert
	c.certRemote = certRemote
	c.cryptRemote = &cryptRemote
	c.setDescription()

	c.cryptKeysValid = true
	return true
}

// validateRemoteCertRestrictions enforces the restriction set the cert
// carries. A cert binds to exactly one restriction family: relay
// regions, which only anonymous game server accounts may present, or an
// app binding plus the peer identity.
func (c *Connection) validateRemoteCertRestrictions(certRemote *cert.Certificate, msgCert *cert.Signed) bool {
	popBound := len(certRemote.PopIDs) > 0
	appBound := len(certRemote.AppIDs) > 0

	if popBound && appBound {
		c.connectionProblemDetectedLocally(EndRemoteBadCert, "Cert binds both relay regions and app IDs")
		return false
	}

	if popBound && msgCert.HasCASignature() {
		if !c.identityRemote.IsAnonGameServer() {
			c.connectionProblemDetectedLocally(EndRemoteBadCert,
				"Certs restricted to relay regions are for anon gameservers only. Not %s", c.identityRemote)
			return false
		}
		return true
	}

	if !appBound {
		c.connectionProblemDetectedLocally(EndRemoteBadCert, "Cert must be bound to an app ID.")
		return false
	}
	appOK := false
	for _, app := range certRemote.AppIDs {
		if app == c.sockets.cfg.AppID {
			appOK = true
			break
		}
	}
	if !appOK {
		c.connectionProblemDetectedLocally(EndRemoteBadCert,
			"Cert is for app %v instead of %d", certRemote.AppIDs, c.sockets.cfg.AppID)
		return false
	}

	if certRemote.Identity == "" {
		c.connectionProblemDetectedLocally(EndRemoteBadCert, "Bad cert identity: missing")
		return false
	}
	identityCert, err := identity.Parse(certRemote.Identity)
	if err != nil {
		c.connectionProblemDetectedLocally(EndRemoteBadCert, "Bad cert identity. %v", err)
		return false
	}
	if !identityCert.Equal(c.identityRemote) {
		// Special case for an unsigned anonymous logon.
		if identityCert.IsLocalHost() && !msgCert.HasCASignature() {
			return true
		}
		c.connectionProblemDetectedLocally(EndRemoteBadCert,
			"Cert was issued to %s, not %s", identityCert, c.identityRemote)
		return false
	}
	return true
}

func (c *Connection) log() *logrus.Entry {
	return logrus.WithField("connection", c.description)
}
