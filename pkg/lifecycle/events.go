package lifecycle

import (
	"sync"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// Broadcaster fans lifecycle events out to subscribers without blocking.
type Broadcaster struct {
	mu    sync.RWMutex
	subs  []chan core.Event
	hooks []func(core.Event)
}

var _ core.EventSink = (*Broadcaster)(nil)

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe returns a buffered channel receiving every future event.
// Events are dropped for a subscriber whose buffer is full.
func (b *Broadcaster) Subscribe() <-chan core.Event {
	ch := make(chan core.Event, 100)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe. The channel is not closed.
func (b *Broadcaster) Unsubscribe(ch <-chan core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// OnEvent registers a synchronous hook. Hooks must be quick.
func (b *Broadcaster) OnEvent(fn func(core.Event)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Emit implements core.EventSink.
func (b *Broadcaster) Emit(e core.Event) {
	b.mu.RLock()
	subs := make([]chan core.Event, len(b.subs))
	copy(subs, b.subs)
	hooks := make([]func(core.Event), len(b.hooks))
	copy(hooks, b.hooks)
	b.mu.RUnlock()

	for _, fn := range hooks {
		fn(e)
	}
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full so a slow consumer never stalls a worker.
		}
	}
}
