package runtime

import (
	"sync"
	"time"

	"github.com/cobaltdb/stmcore/pkg/txn"
)

// CommitEvent is published once per successful commit, for the
// `stmdemo watch` subcommand to stream over its WebSocket connection.
// Grounded in mnohosten-laura-db's ChangeStreamManager fan-out, but
// broadcasting over plain buffered channels instead of owning the
// WebSocket connections itself — pkg/runtime has no HTTP dependency,
// cmd/stmdemo does the upgrading.
type CommitEvent struct {
	Stamp     txn.Stamp
	Triggered int
	At        time.Time
}

type eventBus struct {
	mu   sync.Mutex
	next int64
	subs map[int64]chan CommitEvent
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int64]chan CommitEvent)}
}

// subscribe returns a channel of future commit events and a cancel
// function that unregisters and closes it.
func (b *eventBus) subscribe() (<-chan CommitEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan CommitEvent, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

// publish fans ev out to every subscriber without blocking: a
// subscriber whose buffer is full drops the event rather than stalling
// a commit.
func (b *eventBus) publish(ev CommitEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscribeCommits exposes the Runtime's commit event stream.
func (r *Runtime) SubscribeCommits() (<-chan CommitEvent, func()) {
	return r.events.subscribe()
}
