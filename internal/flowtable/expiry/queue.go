// Package expiry implements a deadline-ordered queue of table entries.
//
// The queue is a binary min-heap over (deadline, offer order) with an
// index-to-position map, so any entry can be rescheduled or removed in
// O(log n). It never reads the clock: deadlines and "now" are supplied by the
// caller as monotonic nanosecond values.
package expiry

import "iter"

// Node schedules the entry at Index to expire at Deadline.
type Node struct {
	Index    int
	Deadline int64
	seq      uint64
}

// Queue is a min-heap of Nodes keyed by Deadline, ties broken FIFO.
// At most one node exists per Index. Not safe for concurrent use.
type Queue struct {
	heap []Node
	pos  []int32 // Index -> heap position + 1 (0 = absent)
	seq  uint64
}

// New creates a queue with room for capacity nodes.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		heap: make([]Node, 0, capacity),
		pos:  make([]int32, capacity),
	}
}

// Offer schedules n. A node already queued for n.Index is replaced.
func (q *Queue) Offer(n Node) {
	if n.Index < 0 {
		panic("expiry: negative node index")
	}
	n.seq = q.seq
	q.seq++

	if p := q.position(n.Index); p >= 0 {
		q.heap[p] = n
		q.fix(p)
		return
	}
	if n.Index >= len(q.pos) {
		grown := make([]int32, max(n.Index+1, 2*len(q.pos)))
		copy(grown, q.pos)
		q.pos = grown
	}
	q.heap = append(q.heap, n)
	last := len(q.heap) - 1
	q.pos[n.Index] = int32(last + 1)
	q.up(last)
}

// Peek returns the earliest node without removing it.
func (q *Queue) Peek() (Node, bool) {
	if len(q.heap) == 0 {
		return Node{}, false
	}
	return q.heap[0], true
}

// Poll removes and returns the earliest node.
func (q *Queue) Poll() (Node, bool) {
	if len(q.heap) == 0 {
		return Node{}, false
	}
	n := q.heap[0]
	q.removeAt(0)
	return n, true
}

// PollDue removes and returns the earliest node if its deadline is at or
// before now.
func (q *Queue) PollDue(now int64) (Node, bool) {
	if len(q.heap) == 0 || q.heap[0].Deadline > now {
		return Node{}, false
	}
	return q.Poll()
}

// Remove drops the node for index. It reports whether one was queued.
func (q *Queue) Remove(index int) bool {
	p := q.position(index)
	if p < 0 {
		return false
	}
	q.removeAt(p)
	return true
}

// Contains reports whether a node is queued for index.
func (q *Queue) Contains(index int) bool { return q.position(index) >= 0 }

// Deadline returns the deadline queued for index.
func (q *Queue) Deadline(index int) (int64, bool) {
	p := q.position(index)
	if p < 0 {
		return 0, false
	}
	return q.heap[p].Deadline, true
}

// Len returns the number of queued nodes.
func (q *Queue) Len() int { return len(q.heap) }

// All yields every queued node in unspecified order. The queue must not be
// modified while iterating; drain with Poll for deadline order.
func (q *Queue) All() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for _, n := range q.heap {
			if !yield(n) {
				return
			}
		}
	}
}

func (q *Queue) position(index int) int {
	if index < 0 || index >= len(q.pos) {
		return -1
	}
	return int(q.pos[index]) - 1
}

func (q *Queue) removeAt(p int) {
	last := len(q.heap) - 1
	idx := q.heap[p].Index
	if p != last {
		q.swap(p, last)
	}
	q.heap = q.heap[:last]
	q.pos[idx] = 0
	if p != last {
		q.fix(p)
	}
}

func (q *Queue) less(i, j int) bool {
	a, b := &q.heap[i], &q.heap[j]
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	return a.seq < b.seq
}

func (q *Queue) swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
	q.pos[q.heap[i].Index] = int32(i + 1)
	q.pos[q.heap[j].Index] = int32(j + 1)
}

func (q *Queue) fix(i int) {
	if !q.down(i) {
		q.up(i)
	}
}

func (q *Queue) up(j int) {
	for j > 0 {
		i := (j - 1) / 2
		if !q.less(j, i) {
			break
		}
		q.swap(i, j)
		j = i
	}
}

// down sifts i towards the leaves and reports whether it moved.
func (q *Queue) down(i0 int) bool {
	i, n := i0, len(q.heap)
	for {
		l := 2*i + 1
		if l >= n {
			break
		}
		j := l
		if r := l + 1; r < n && q.less(r, l) {
			j = r
		}
		if !q.less(j, i) {
			break
		}
		q.swap(i, j)
		i = j
	}
	return i > i0
}
