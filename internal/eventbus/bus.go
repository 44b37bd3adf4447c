// Package eventbus provides the in-memory fanout bus that carries push
// events from the session and the scheduler to the API boundary.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the application. The boundary forwards these
// verbatim to connected clients.
const (
	TypeQR            = "qr"
	TypeAuthFailure   = "auth_failure"
	TypeAuthenticated = "authenticated"
	TypeReady         = "ready"
	TypeLoading       = "loading"
	TypeError         = "error"
	TypeProgress      = "template:progress"
)

// Event is a small, JSON-serializable signal.
//
// Publish never blocks: slow subscribers drop events instead of stalling
// the publisher. Callers that need every event must drain their channel.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus is an in-memory publish/subscribe fanout.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscriber channel. The returned
	// function removes the subscription and closes the channel; it is
	// safe to call more than once.
	Subscribe(buffer int) (<-chan Event, func())
}

// New returns a bus with no background goroutines of its own.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot subscribers so the lock is not held while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may unsubscribe concurrently, closing its
		// channel; recover from the resulting send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
