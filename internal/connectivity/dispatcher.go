package connectivity

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 4

// Dispatcher fans transitions out to subscribers. Publishing never blocks; a
// subscriber whose buffer is full misses the transition.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Transition
	nextID      int64
	bufferSize  int
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]chan Transition),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a listener until ctx is done or the cleanup function is called.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	stream := make(chan Transition, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	d.subscribers[subscriberID] = stream
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, subscriberID)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers the transition to every current subscriber.
func (d *Dispatcher) Publish(transition Transition) {
	if d == nil {
		return
	}
	d.mu.RLock()
	streams := make([]chan Transition, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- transition:
		default:
		}
	}
}
