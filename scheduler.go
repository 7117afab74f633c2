package steamdatagram

import "container/heap"

// usecThinkTimeNever parks a connection that has nothing scheduled.
const usecThinkTimeNever = int64(1) << 62

// thinkerHeap is a min-heap of connections ordered by next think time.
// The scheduler always wakes the connection with the earliest deadline.
type thinkerHeap []*Connection

func (h thinkerHeap) Len() int { return len(h) }

func (h thinkerHeap) Less(i, j int) bool {
	return h[i].usecNextThink < h[j].usecNextThink
}

func (h thinkerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *thinkerHeap) Push(x interface{}) {
	c := x.(*Connection)
	c.heapIndex = len(*h)
	*h = append(*h, c)
}

func (h *thinkerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.heapIndex = -1
	*h = old[:n-1]
	return c
}

// addThinker registers a connection with the scheduler, parked.
func (s *Sockets) addThinker(c *Connection) {
	c.usecNextThink = usecThinkTimeNever
	heap.Push(&s.thinkers, c)
}

// removeThinker drops a connection from the scheduler.
func (s *Sockets) removeThinker(c *Connection) {
	if c.heapIndex >= 0 {
		heap.Remove(&s.thinkers, c.heapIndex)
	}
}

// scheduleThink sets an explicit wakeup time, overriding whatever was
// scheduled.
func (s *Sockets) scheduleThink(c *Connection, usecWhen int64) {
	if c.heapIndex < 0 {
		return
	}
	c.usecNextThink = usecWhen
	heap.Fix(&s.thinkers, c.heapIndex)
}

// ensureMinThinkTime moves the wakeup earlier if the requested time
// precedes the scheduled one.
func (s *Sockets) ensureMinThinkTime(c *Connection, usecWhen int64) {
	if c.heapIndex < 0 {
		return
	}
	if usecWhen < c.usecNextThink {
		c.usecNextThink = usecWhen
		heap.Fix(&s.thinkers, c.heapIndex)
	}
}

// runThinkers services every connection whose deadline has arrived.
// Single-threaded and cooperative: each think runs to completion before
// the next is considered.
func (s *Sockets) runThinkers(usecNow int64) {
	for len(s.thinkers) > 0 {
		c := s.thinkers[0]
		if c.usecNextThink > usecNow {
			break
		}
		// Park before thinking; think reschedules as needed.
		c.usecNextThink = usecThinkTimeNever
		heap.Fix(&s.thinkers, c.heapIndex)
		c.think(usecNow)
	}
}
