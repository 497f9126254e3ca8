// Package executor runs the steps of active runs against their providers.
// Messages are partitioned into per-target queues so one slow or broken
// dependency cannot starve the others, and every delivery passes the same
// gate on its way to a side effect.
package executor

import (
	"sync"
	"time"

	"github.com/openharness/openharness/pkg/engine"
)

// Queue partitions step messages by target. A channel is created lazily
// for each target the first time a message names it; the OnTarget hook
// lets the executor spin up workers for new targets as they appear.
type Queue struct {
	mu       sync.Mutex
	targets  map[string]chan engine.QueueMessage
	size     int
	onTarget func(target string, ch <-chan engine.QueueMessage)
	timers   map[*time.Timer]struct{}
	closed   bool
}

// NewQueue creates a queue with the given per-target buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		targets: map[string]chan engine.QueueMessage{},
		size:    size,
		timers:  map[*time.Timer]struct{}{},
	}
}

// OnTarget registers the hook invoked when a new target channel is
// created. Must be set before the first Enqueue.
func (q *Queue) OnTarget(fn func(target string, ch <-chan engine.QueueMessage)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTarget = fn
}

// Enqueue delivers a message to its target's channel.
func (q *Queue) Enqueue(msg engine.QueueMessage) {
	q.channel(msg.Target) <- msg
}

// EnqueueAfter delivers a message after a delay. Used for retry backoff
// and breaker cooldowns.
func (q *Queue) EnqueueAfter(msg engine.QueueMessage, delay time.Duration) {
	if delay <= 0 {
		q.Enqueue(msg)
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.mu.Unlock()
		if !closed {
			q.Enqueue(msg)
		}
	})
	q.timers[timer] = struct{}{}
	q.mu.Unlock()
}

func (q *Queue) channel(target string) chan engine.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.targets[target]
	if !ok {
		ch = make(chan engine.QueueMessage, q.size)
		q.targets[target] = ch
		if q.onTarget != nil {
			q.onTarget(target, ch)
		}
	}
	return ch
}

// Close stops pending delayed deliveries and closes all target channels.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	for _, ch := range q.targets {
		close(ch)
	}
}
