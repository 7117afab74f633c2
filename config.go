package steamdatagram

import (
	"github.com/opd-ai/steamdatagram/cert"
	"github.com/opd-ai/steamdatagram/crypto"
	"github.com/opd-ai/steamdatagram/identity"
)

// UnsignedCertPolicy decides what to do when a peer presents a cert with
// no CA signature.
type UnsignedCertPolicy int

const (
	// UnsignedCertAllowWarn accepts the connection but logs that it is
	// not secure. This is the default.
	UnsignedCertAllowWarn UnsignedCertPolicy = iota

	// UnsignedCertAllow accepts silently.
	UnsignedCertAllow

	// UnsignedCertReject refuses the connection.
	UnsignedCertReject
)

// Timing constants for the connection state machine, in microseconds.
const (
	usecMillion = int64(1000000)

	// usecConnectRetryInterval is how often the handshake is re-sent
	// while connecting.
	usecConnectRetryInterval = usecMillion / 2

	// usecFinWaitTimeout is how long a closed connection lingers to
	// absorb late arrivals before self-destructing.
	usecFinWaitTimeout = usecMillion / 2

	// usecAggressivePingInterval is the keepalive rate once a reply
	// timeout has been observed and the connection looks like it may be
	// timing out.
	usecAggressivePingInterval = 200 * 1000

	// usecKeepAliveInterval is the ordinary keepalive rate on an idle
	// connection.
	usecKeepAliveInterval = 10 * usecMillion

	// usecReplyTimeout is how long we wait for a reply to a packet that
	// requested one before counting a reply timeout.
	usecReplyTimeout = 750 * 1000

	// replyTimeoutsBeforeDrop is how many consecutive reply timeouts,
	// combined with an expired connected-timeout, conclude the
	// connection is gone.
	replyTimeoutsBeforeDrop = 4
)

// Protocol version handling.
const (
	currentProtocolVersion     = 4
	minRequiredProtocolVersion = 4
)

// ConnectionConfig carries the per-connection tunables. Listen sockets
// pass their config down to accepted children.
type ConnectionConfig struct {
	// TimeoutInitialMs bounds how long a connection may sit in
	// Connecting or FindingRoute before giving up.
	TimeoutInitialMs int32

	// TimeoutConnectedMs bounds how long a connected peer may stay
	// silent before the connection is declared dropped.
	TimeoutConnectedMs int32

	// AllowLocalUnsignedCert permits this end to proceed with a
	// self-signed cert when no CA-issued one is available.
	AllowLocalUnsignedCert bool

	// RemoteUnsignedCertPolicy decides whether to accept a peer that
	// presents no CA signature.
	RemoteUnsignedCertPolicy UnsignedCertPolicy

	// AllowExpiredCerts downgrades an expired CA-signed cert from a
	// hard failure to a logged warning. Off by default: fail closed.
	AllowExpiredCerts bool
}

// DefaultConnectionConfig returns the stock tunables.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		TimeoutInitialMs:         10000,
		TimeoutConnectedMs:       10000,
		AllowLocalUnsignedCert:   true,
		RemoteUnsignedCertPolicy: UnsignedCertAllowWarn,
		AllowExpiredCerts:        false,
	}
}

// Config configures a Sockets instance.
type Config struct {
	// Identity is who we are. Required.
	Identity identity.Identity

	// AppID restricts which certificates we accept; a peer cert bound
	// to app IDs must name this one.
	AppID uint32

	// PrivateKey is the local identity signing key. Generated if zero.
	PrivateKey crypto.SigningPrivateKey

	// SignedCert is the CA-issued certificate for PrivateKey, if we
	// have one. Connections fall back to self-signed certs per the
	// connection config when nil.
	SignedCert *cert.Signed

	// CertHasIdentity records whether SignedCert binds our identity.
	CertHasIdentity bool

	// Connection is the default per-connection configuration.
	Connection ConnectionConfig
}

// DefaultConfig returns a Config for the given identity with stock
// connection tunables.
func DefaultConfig(id identity.Identity) Config {
	return Config{
		Identity:   id,
		Connection: DefaultConnectionConfig(),
	}
}
