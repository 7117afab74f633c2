// Package limits provides centralized protocol size limits for the Steam
// datagram transport. This ensures consistent validation across different
// components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxMessageSend is the hard per-message size cap for a single
	// message submitted to a connection (512 KiB). Larger payloads are
	// rejected before reaching the segmentation layer.
	MaxMessageSend = 512 * 1024

	// MaxUDPMsgLen is the maximum size of a UDP payload. Includes API
	// payload and any headers, but not the IP/UDP headers themselves.
	MaxUDPMsgLen = 1300

	// MaxMessageNoFragment is the largest message we promise to send
	// without fragmenting.
	MaxMessageNoFragment = 1200

	// MaxEncryptedPayloadSend is the maximum encrypted payload we will
	// send. Must be a multiple of the AES block size.
	MaxEncryptedPayloadSend = 1248

	// MaxPlaintextPayloadSend is the maximum plaintext payload we could
	// send, leaving room for the AES-GCM authentication tag.
	MaxPlaintextPayloadSend = MaxEncryptedPayloadSend - EncryptionTagSize

	// MaxEncryptedPayloadRecv and MaxPlaintextPayloadRecv use the larger
	// UDP limit: we are more permissive about what we accept.
	MaxEncryptedPayloadRecv = MaxUDPMsgLen
	MaxPlaintextPayloadRecv = MaxUDPMsgLen

	// MinUDPMsgLen is the smallest raw datagram that can possibly be a
	// valid protocol frame.
	MinUDPMsgLen = 5

	// EncryptionTagSize is the AES-GCM authentication tag appended to
	// every encrypted payload.
	EncryptionTagSize = 16

	// WireSeqNumSize is the truncated sequence number carried in front
	// of every encrypted data chunk.
	WireSeqNumSize = 2
)

var (
	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a message exceeds the maximum size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum
// size. Returns an error with context including the actual and maximum
// sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateSendMessage validates an outbound message payload against
// MaxMessageSend.
func ValidateSendMessage(message []byte) error {
	return ValidateMessageSize(message, MaxMessageSend)
}
