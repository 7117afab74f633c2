package interfaces

// MessageReceiver is the core-side sink the segmentation layer delivers
// fully reassembled messages into, in order.
type MessageReceiver interface {
	// ReceivedMessage hands a complete inbound message to the
	// connection. The slice is owned by the receiver afterwards.
	ReceivedMessage(data []byte, msgNum int64, usecNow int64)
}

// SegmentationLayer is implemented by the reliability/segmentation layer
// ("SNP"). The connection core never fragments, acks, or retransmits on
// its own; it delegates through this interface and schedules itself
// around NextThinkTime.
type SegmentationLayer interface {
	// SubmitMessage queues an outbound message. Returns the assigned
	// message number.
	SubmitMessage(usecNow int64, data []byte, sendFlags int) (int64, error)

	// Flush forces any Nagle-delayed data to be sent as soon as
	// possible.
	Flush(usecNow int64) error

	// ReceivedPacket feeds a decrypted inbound packet into reassembly.
	// Returns false if the packet should be treated as never received.
	ReceivedPacket(usecNow int64, fullSeqNum int64, plaintext []byte) bool

	// ProduceNextPacket asks the layer to serialize the next outbound
	// packet, up to maxSize bytes. Returns nil when there is nothing to
	// send right now.
	ProduceNextPacket(usecNow int64, maxSize int) []byte

	// NextThinkTime recomputes the earliest time the layer needs to be
	// driven again, in microseconds.
	NextThinkTime(usecNow int64) int64

	// QueuedMessageCount reports messages accepted but not yet fully
	// sent.
	QueuedMessageCount() int

	// UnackedReliableCount reports reliable messages sent but not yet
	// acknowledged. A lingering connection may not close until both
	// this and QueuedMessageCount reach zero.
	UnackedReliableCount() int
}
