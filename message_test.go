package steamdatagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageDualQueueMembership(t *testing.T) {
	var connQueue, listenQueue messageQueue

	msgs := make([]*Message, 3)
	for i := range msgs {
		msgs[i] = &Message{msgNum: int64(i + 1)}
		msgs[i].linkToTail(linkConnection, &connQueue)
		msgs[i].linkToTail(linkListenSocket, &listenQueue)
	}

	// Both queues see the same messages in the same order.
	assert.Same(t, msgs[0], connQueue.first)
	assert.Same(t, msgs[0], listenQueue.first)
	assert.Same(t, msgs[2], connQueue.last)
	assert.Same(t, msgs[2], listenQueue.last)

	// Unlinking the middle message from one queue leaves the other
	// untouched.
	msgs[1].unlink(linkConnection)
	assert.Same(t, msgs[0], connQueue.first)
	assert.Same(t, msgs[2], connQueue.first.links[linkConnection].next)
	assert.Same(t, msgs[1], listenQueue.first.links[linkListenSocket].next,
		"listen-socket queue still holds the message")
	assert.Same(t, &listenQueue, msgs[1].links[linkListenSocket].queue)
	assert.Nil(t, msgs[1].links[linkConnection].queue)

	// Draining the listen queue unlinks from both.
	out := listenQueue.removeMessages(10)
	require.Len(t, out, 3)
	assert.True(t, connQueue.empty())
	assert.True(t, listenQueue.empty())
	for _, m := range out {
		for i := range m.links {
			assert.Nil(t, m.links[i].queue)
		}
		m.Release()
	}
}

func TestMessageQueuePurge(t *testing.T) {
	var q messageQueue
	for i := 0; i < 5; i++ {
		m := &Message{msgNum: int64(i), data: []byte("x")}
		m.linkToTail(linkConnection, &q)
	}
	q.purge()
	assert.True(t, q.empty())
}

func TestMessageQueueRemoveUpTo(t *testing.T) {
	var q messageQueue
	for i := 1; i <= 5; i++ {
		m := &Message{msgNum: int64(i)}
		m.linkToTail(linkConnection, &q)
	}

	out := q.removeMessages(3)
	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0].msgNum)
	assert.Equal(t, int64(3), out[2].msgNum)

	rest := q.removeMessages(10)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(4), rest[0].msgNum)
	assert.True(t, q.empty())
}
