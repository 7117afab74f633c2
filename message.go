package steamdatagram

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/steamdatagram/identity"
)

// queueLinkIndex selects which of a message's two sets of queue links an
// operation touches. A received message can sit in its connection's
// queue and, simultaneously, in the owning listen socket's queue.
type queueLinkIndex int

const (
	linkConnection queueLinkIndex = iota
	linkListenSocket
	numQueueLinks
)

type queueLinks struct {
	prev  *Message
	next  *Message
	queue *messageQueue
}

// Message is a received message handed to the application.
type Message struct {
	data         []byte
	conn         ConnectionHandle
	sender       identity.Identity
	msgNum       int64
	userData     int64
	timeReceived int64

	links [numQueueLinks]queueLinks
}

// Data returns the message payload.
func (m *Message) Data() []byte { return m.data }

// Connection returns the handle of the connection that received the
// message.
func (m *Message) Connection() ConnectionHandle { return m.conn }

// Sender returns the remote identity.
func (m *Message) Sender() identity.Identity { return m.sender }

// MessageNumber returns the per-connection message number, starting
// at 1.
func (m *Message) MessageNumber() int64 { return m.msgNum }

// UserData returns the connection user data captured when the message
// was queued.
func (m *Message) UserData() int64 { return m.userData }

// TimeReceived returns the microsecond timestamp when the message was
// queued.
func (m *Message) TimeReceived() int64 { return m.timeReceived }

// Release frees the message. It must already be unlinked from every
// queue; the drain paths guarantee that.
func (m *Message) Release() {
	for i := range m.links {
		if m.links[i].queue != nil || m.links[i].prev != nil || m.links[i].next != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Release",
				"msg_num":  m.msgNum,
				"link":     i,
			}).Error("Message released while still linked to a queue")
			m.unlink(queueLinkIndex(i))
		}
	}
	m.data = nil
}

// linkToTail appends the message to a queue using the given link set.
// O(1).
func (m *Message) linkToTail(idx queueLinkIndex, q *messageQueue) {
	links := &m.links[idx]
	if links.queue != nil {
		logrus.WithField("msg_num", m.msgNum).Error("Message already linked; unlinking first")
		m.unlink(idx)
	}

	if q.last != nil {
		q.last.links[idx].next = m
	} else {
		q.first = m
	}
	links.prev = q.last
	links.next = nil
	q.last = m
	links.queue = q
}

// unlink removes the message from the queue behind the given link set,
// leaving the other link set untouched. O(1). No-op if not linked.
func (m *Message) unlink(idx queueLinkIndex) {
	links := &m.links[idx]
	q := links.queue
	if q == nil {
		return
	}

	if links.prev != nil {
		links.prev.links[idx].next = links.next
	} else {
		q.first = links.next
	}
	if links.next != nil {
		links.next.links[idx].prev = links.prev
	} else {
		q.last = links.prev
	}

	links.queue = nil
	links.prev = nil
	links.next = nil
}

// unlinkAll removes the message from every queue it is in.
func (m *Message) unlinkAll() {
	for i := queueLinkIndex(0); i < numQueueLinks; i++ {
		m.unlink(i)
	}
}

// messageQueue is a doubly-linked FIFO of received messages threaded
// through one of the messages' link sets.
type messageQueue struct {
	first *Message
	last  *Message
}

func (q *messageQueue) empty() bool { return q.first == nil }

// purge unlinks and releases every message.
func (q *messageQueue) purge() {
	for q.first != nil {
		m := q.first
		m.unlinkAll()
		m.Release()
	}
}

// removeMessages drains up to maxMessages from the head, unlinking each
// from all queues it belongs to.
func (q *messageQueue) removeMessages(maxMessages int) []*Message {
	var out []*Message
	for q.first != nil && len(out) < maxMessages {
		m := q.first
		m.unlinkAll()
		out = append(out, m)
	}
	return out
}
