package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// IVSize is the AES-GCM nonce length used on the wire.
const IVSize = 12

// TagSize is the AES-GCM authentication tag length appended to every
// encrypted payload.
const TagSize = 16

// ErrDecryptFailed indicates an authentication failure on an inbound
// packet. Callers drop the packet; they do not close the connection.
var ErrDecryptFailed = errors.New("packet failed to decrypt")

// PacketCipher performs per-packet authenticated encryption for one
// connection. The effective nonce for each packet is the base IV with the
// full 64-bit sequence number added into its first 8 little-endian bytes,
// so both peers must agree on the expanded sequence number exactly.
type PacketCipher struct {
	send   cipher.AEAD
	recv   cipher.AEAD
	sendIV [IVSize]byte
	recvIV [IVSize]byte
}

// NewPacketCipher initializes AEAD contexts from derived session keys.
func NewPacketCipher(keys *SessionKeys) (*PacketCipher, error) {
	send, err := newGCM(keys.SendKey[:])
	if err != nil {
		return nil, err
	}
	recv, err := newGCM(keys.RecvKey[:])
	if err != nil {
		return nil, err
	}
	pc := &PacketCipher{send: send, recv: recv}
	pc.sendIV = keys.SendIV
	pc.recvIV = keys.RecvIV
	return pc, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// packetIV computes the effective nonce: base IV plus the sequence
// number, little-endian, in the first 8 bytes. The base IV itself is
// never modified.
func packetIV(base *[IVSize]byte, fullSeqNum int64) [IVSize]byte {
	iv := *base
	ctr := binary.LittleEndian.Uint64(iv[:8]) + uint64(fullSeqNum)
	binary.LittleEndian.PutUint64(iv[:8], ctr)
	return iv
}

// EncryptPacket seals a plaintext chunk under the send key for the given
// full sequence number. No additional authenticated data is used.
func (pc *PacketCipher) EncryptPacket(fullSeqNum int64, plaintext []byte) []byte {
	iv := packetIV(&pc.sendIV, fullSeqNum)
	return pc.send.Seal(nil, iv[:], plaintext, nil)
}

// DecryptPacket opens a ciphertext chunk under the recv key for the given
// full sequence number.
func (pc *PacketCipher) DecryptPacket(fullSeqNum int64, ciphertext []byte) ([]byte, error) {
	iv := packetIV(&pc.recvIV, fullSeqNum)
	plaintext, err := pc.recv.Open(nil, iv[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Wipe erases the base IVs. The AEAD contexts hold expanded key schedules
// that Go gives us no way to zero; dropping the references is the best we
// can do.
func (pc *PacketCipher) Wipe() {
	if pc == nil {
		return
	}
	pc.send = nil
	pc.recv = nil
	ZeroBytes(pc.sendIV[:])
	ZeroBytes(pc.recvIV[:])
}
