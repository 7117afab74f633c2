// Package steamdatagram implements the core of a peer-to-peer,
// connection-oriented secure messaging transport.
//
// Endpoints are identified by opaque cryptographic identities rather
// than by address. Connections perform a certificate-based handshake
// (Ed25519 identity signatures over an ephemeral X25519 key exchange)
// and then carry reliable and unreliable messages with end-to-end
// authenticated encryption.
//
// Example:
//
//	sock, err := steamdatagram.New(steamdatagram.DefaultConfig(identity.LocalHost()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sock.Shutdown()
//
//	a, b, err := sock.CreateSocketPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sock.SendMessage(a, []byte("hello"), steamdatagram.SendReliable)
//	sock.Iterate(sock.Now())
//	msgs := sock.ReceiveMessagesOnConnection(b, 16)
//	fmt.Printf("%s\n", msgs[0].Data())
package steamdatagram
