package bus

import (
	"sync"

	"github.com/weave-nn/weave/pkg/models"
)

// subscriberQueue holds one subscription's pending deliveries as a FIFO
// per topic. The worker always pops the head of the topic whose head
// message has the highest priority (earliest sequence breaks ties), so
// priority governs scheduling between topics while publish order within
// a topic is never violated.
type subscriberQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	topics map[string][]queued
	size   int
	cap    int
	seq    uint64
	closed bool
}

type queued struct {
	msg models.Message
	seq uint64
}

func newSubscriberQueue(capacity int) *subscriberQueue {
	q := &subscriberQueue{
		topics: make(map[string][]queued),
		cap:    capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a message to its topic FIFO, blocking the caller (the
// bus dispatcher, never a publisher) while the queue is full. Returns
// false if the queue closed.
func (q *subscriberQueue) push(msg models.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size >= q.cap && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return false
	}

	q.seq++
	q.topics[msg.Topic] = append(q.topics[msg.Topic], queued{msg: msg, seq: q.seq})
	q.size++
	q.cond.Broadcast()
	return true
}

// pop removes and returns the next message to deliver. Blocks until a
// message arrives or the queue closes.
func (q *subscriberQueue) pop() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.size == 0 {
		return models.Message{}, false
	}

	bestTopic := ""
	var bestPriority models.MessagePriority = -1
	var bestSeq uint64
	for topic, fifo := range q.topics {
		head := fifo[0]
		if head.msg.Priority > bestPriority ||
			(head.msg.Priority == bestPriority && head.seq < bestSeq) {
			bestTopic = topic
			bestPriority = head.msg.Priority
			bestSeq = head.seq
		}
	}

	fifo := q.topics[bestTopic]
	msg := fifo[0].msg
	if len(fifo) == 1 {
		delete(q.topics, bestTopic)
	} else {
		q.topics[bestTopic] = fifo[1:]
	}
	q.size--
	q.cond.Broadcast()
	return msg, true
}

func (q *subscriberQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
