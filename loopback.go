package steamdatagram

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/steamdatagram/identity"
)

// CreateSocketPair creates two connections in the same process wired
// directly to each other, using the unauthenticated localhost identity
// on both ends.
func (s *Sockets) CreateSocketPair() (ConnectionHandle, ConnectionHandle, error) {
	return s.CreateSocketPairWithIdentities(identity.LocalHost(), identity.LocalHost())
}

// CreateSocketPairWithIdentities creates a loopback pair with explicit
// identities. The full crypto handshake is still performed, with
// self-signed certs allowed by policy, so the pair is indistinguishable
// from a networked connection to the rest of the state machine. Ping
// and loss statistics are synthesized: zero ping, zero loss.
func (s *Sockets) CreateSocketPairWithIdentities(idA, idB identity.Identity) (ConnectionHandle, ConnectionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usecNow := s.Now()

	a := newConnection(s)
	b := newConnection(s)
	a.identityLocal = idA
	b.identityLocal = idB
	a.partner = b
	b.partner = a

	pair := [2]*Connection{a, b}

	fail := func(err error) (ConnectionHandle, ConnectionHandle, error) {
		for _, c := range pair {
			if c.idLocal != 0 || c.state != ConnectionStateNone {
				c.freeResources(usecNow)
			}
			s.removeThinker(c)
		}
		return InvalidConnectionHandle, InvalidConnectionHandle, err
	}

	for _, c := range pair {
		if err := c.initConnection(usecNow); err != nil {
			return fail(err)
		}
		s.addThinker(c)
	}

	// Exchange some plausible connect traffic so the internal
	// bookkeeping (and ping) looks as realistic as possible.
	a.stats.trackRecvPacket(usecNow)
	b.stats.trackRecvPacket(usecNow)
	a.stats.pingMs = 0
	b.stats.pingMs = 0
	a.stats.qualityLocal, a.stats.qualityRemote = 1, 1
	b.stats.qualityLocal, b.stats.qualityRemote = 1, 1

	// Tie the connections to each other and run both halves of the
	// handshake for real.
	for i, p := range pair {
		q := pair[1-i]
		p.identityRemote = q.identityLocal
		p.idRemote = q.idLocal
		p.setDescription()
		if !p.recvCryptoHandshake(q.signedCertLocal, q.signedCryptLocal, i == 0) {
			return fail(fmt.Errorf("loopback handshake failed: %s", p.endDebug))
		}
		p.connectionConnected(usecNow)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateSocketPairWithIdentities",
		"handle_a": a.Handle(),
		"handle_b": b.Handle(),
	}).Info("Created loopback socket pair")

	return a.Handle(), b.Handle(), nil
}
