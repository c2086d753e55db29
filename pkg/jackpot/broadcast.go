package jackpot

import (
	"context"
	"sync"
)

// Broadcaster fans pool updates out to every listener.
type Broadcaster struct {
	mu     sync.RWMutex
	buffer int
	subs   map[chan Update]struct{}
}

// NewBroadcaster creates a broadcaster whose listeners buffer up to buffer updates.
func NewBroadcaster(buffer int) *Broadcaster {
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[chan Update]struct{}),
	}
}

// Send publishes an update to every listener (non-blocking, slow listeners drop).
func (b *Broadcaster) Send(update Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Listen returns a channel plus a cancel function to stop listening.
// The channel is closed once ctx is done or cancel is called.
func (b *Broadcaster) Listen(ctx context.Context) (<-chan Update, context.CancelFunc) {
	listenerCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Update, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-listenerCtx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, cancel
}

// Listeners returns the number of active listeners.
func (b *Broadcaster) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
