package gateway

import (
	"context"
	"sync"

	"github.com/stellarlinkco/caseintake/internal/bus"
)

// dispatcher runs messages of one key in arrival order, one at a time.
// Different keys run concurrently. A key's worker exits when its queue
// drains.
type dispatcher struct {
	mu     sync.Mutex
	queues map[string][]bus.InboundMessage
	handle func(ctx context.Context, msg bus.InboundMessage)
	wg     sync.WaitGroup
	closed bool
}

func newDispatcher(handle func(ctx context.Context, msg bus.InboundMessage)) *dispatcher {
	return &dispatcher{
		queues: make(map[string][]bus.InboundMessage),
		handle: handle,
	}
}

// Submit queues msg behind earlier messages of key. It reports false and
// drops msg once ctx is done or Wait has been called.
func (d *dispatcher) Submit(ctx context.Context, key string, msg bus.InboundMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || ctx.Err() != nil {
		return false
	}
	q, running := d.queues[key]
	d.queues[key] = append(q, msg)
	if !running {
		d.wg.Add(1)
		go d.drain(ctx, key)
	}
	return true
}

func (d *dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 || ctx.Err() != nil {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		msg := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.handle(ctx, msg)
	}
}

// Pending reports queued messages for key, excluding one in flight.
func (d *dispatcher) Pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[key])
}

// Wait stops accepting messages and blocks until every worker has exited.
func (d *dispatcher) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
