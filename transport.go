package steamdatagram

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/steamdatagram/limits"
)

// SignalingChannel is the opaque rendezvous channel handshake frames
// travel over before any session keys exist. Rendezvous, ICE, and relay
// selection all live behind it.
type SignalingChannel interface {
	// SendHandshake delivers a serialized handshake frame to the peer.
	SendHandshake(frame []byte) error
}

// PacketTransport carries encrypted datagrams once the handshake has
// produced session keys.
type PacketTransport interface {
	// SendPacket transmits one wire frame.
	SendPacket(frame []byte) error

	// CanSend reports whether the transport is currently able to send.
	CanSend() bool
}

// Every encrypted wire frame is the 16-bit truncated sequence number
// followed by the AES-GCM ciphertext with its tag.
func encodeDataFrame(wireSeqNum uint16, ciphertext []byte) []byte {
	frame := make([]byte, limits.WireSeqNumSize+len(ciphertext))
	binary.LittleEndian.PutUint16(frame, wireSeqNum)
	copy(frame[limits.WireSeqNumSize:], ciphertext)
	return frame
}

func decodeDataFrame(frame []byte) (uint16, []byte, error) {
	if len(frame) < limits.WireSeqNumSize+limits.EncryptionTagSize {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	return binary.LittleEndian.Uint16(frame), frame[limits.WireSeqNumSize:], nil
}
