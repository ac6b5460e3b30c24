package broker

import "sync"

// StatusEvent reports a client connecting or disconnecting.
type StatusEvent struct {
	ClientID  string
	Connected bool
}

// statusBroadcaster fans StatusEvents out to every subscriber. A slow
// subscriber loses events rather than blocking the broker.
type statusBroadcaster struct {
	mu   sync.Mutex
	subs []chan StatusEvent
}

func newStatusBroadcaster() *statusBroadcaster {
	return &statusBroadcaster{}
}

func (b *statusBroadcaster) subscribe() <-chan StatusEvent {
	ch := make(chan StatusEvent, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *statusBroadcaster) publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
