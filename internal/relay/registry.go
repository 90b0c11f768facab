package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Registry fans receipts out to in-process subscribers. The gateway feeds it
// alongside (or instead of) the Nostr client, so local consumers such as the
// stats endpoint see receipts even when no relay is configured.
type Registry struct {
	mu   sync.Mutex
	subs map[string]chan Receipt
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]chan Receipt)}
}

// Subscribe returns a buffered receipt channel and its subscriber ID.
// Receipts are delivered in publish order; a subscriber that falls more than
// the buffer behind misses receipts rather than blocking the publisher.
func (reg *Registry) Subscribe() (string, <-chan Receipt) {
	id := uuid.New().String()
	ch := make(chan Receipt, 16)
	reg.mu.Lock()
	reg.subs[id] = ch
	reg.mu.Unlock()
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (reg *Registry) Unsubscribe(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if ch, ok := reg.subs[id]; ok {
		delete(reg.subs, id)
		close(ch)
	}
}

// Publish delivers the receipt to every subscriber without blocking.
func (reg *Registry) Publish(r Receipt) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, ch := range reg.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Len reports the number of live subscribers.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.subs)
}
