package larex

import "sync"

// taskChunkSize is the number of tasks batched per node of the ingress
// queue's linked list. Chunking amortizes allocation relative to a
// task-per-node list while staying far cheaper than sizing for the
// high-frequency microtask workloads a JS-style event loop deals with.
const taskChunkSize = 32

// taskChunkPool recycles exhausted chunks to avoid GC churn when the
// selector is handling a steady stream of registrations and interest-set
// updates.
var taskChunkPool = sync.Pool{
	New: func() any { return &taskChunk{} },
}

type taskChunk struct {
	tasks   [taskChunkSize]func()
	next    *taskChunk
	readPos int
	pos     int
}

func newTaskChunk() *taskChunk {
	c := taskChunkPool.Get().(*taskChunk)
	c.pos, c.readPos, c.next = 0, 0, nil
	return c
}

func releaseTaskChunk(c *taskChunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos, c.readPos, c.next = 0, 0, nil
	taskChunkPool.Put(c)
}

// taskQueue is an MPSC queue of selector tasks (registrations, interest-set
// updates, close). It is NOT internally synchronized: the Selector guards
// every push and pop with its own mutex.
type taskQueue struct {
	head, tail *taskChunk
	length     int
}

func (q *taskQueue) push(task func()) {
	if q.tail == nil {
		q.tail = newTaskChunk()
		q.head = q.tail
	}
	if q.tail.pos == taskChunkSize {
		next := newTaskChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

func (q *taskQueue) pop() (func(), bool) {
	if q.head == nil || q.head.readPos >= q.head.pos {
		if q.head != nil && q.head != q.tail {
			old := q.head
			q.head = q.head.next
			releaseTaskChunk(old)
			return q.pop()
		}
		return nil, false
	}
	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--
	return task, true
}

func (q *taskQueue) len() int { return q.length }

// prewarmTaskChunkPool seeds the shared chunk pool with enough recycled
// chunks to hold roughly hint tasks without allocating a new chunk, so a
// freshly constructed Selector's initial burst of registrations (a
// listener's first wave of accepts, say) doesn't pay allocation cost on
// the selector thread. hint <= 0 is a no-op.
func prewarmTaskChunkPool(hint int) {
	if hint <= 0 {
		return
	}
	n := (hint + taskChunkSize - 1) / taskChunkSize
	for i := 0; i < n; i++ {
		taskChunkPool.Put(&taskChunk{})
	}
}
