package lightning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Settlement is pushed to subscribers when an invoice settles.
type Settlement struct {
	PaymentHash string
	Preimage    string
	AmountSats  int64
	SettledAt   time.Time
}

const subscriberBuffer = 16

// Notifier fans out invoice settlements to subscribers. Delivery per
// subscriber is FIFO; a subscriber that falls more than subscriberBuffer
// events behind has further events dropped rather than blocking the
// publisher.
type Notifier struct {
	mu   sync.Mutex
	subs map[string]chan Settlement
	log  *zap.Logger
}

func NewNotifier(log *zap.Logger) *Notifier {
	return &Notifier{
		subs: make(map[string]chan Settlement),
		log:  log,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed by Unsubscribe or Close, never by the publisher.
func (n *Notifier) Subscribe() (string, <-chan Settlement) {
	id := uuid.NewString()
	ch := make(chan Settlement, subscriberBuffer)
	n.mu.Lock()
	n.subs[id] = ch
	n.mu.Unlock()
	return id, ch
}

// Unsubscribe removes the subscriber. After it returns, no further events
// are delivered and the channel is closed.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	ch, ok := n.subs[id]
	if ok {
		delete(n.subs, id)
	}
	n.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers s to every current subscriber.
func (n *Notifier) Publish(s Settlement) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- s:
		default:
			n.log.Warn("settlement subscriber lagging, dropping event",
				zap.String("subscriber", id),
				zap.String("payment_hash", s.PaymentHash),
			)
		}
	}
}

// Close drops all subscribers.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

// Watch polls the node for settlement of paymentHash and publishes once it
// settles. It returns when the invoice settles, expires, or ctx is done.
// LND's REST gateway exposes a streaming subscription too, but polling keeps
// the collaborator surface to plain request/response calls.
func (n *Notifier) Watch(ctx context.Context, node Invoicer, paymentHash string, expiry time.Time) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(expiry) {
				return
			}
			inv, err := node.LookupInvoice(ctx, paymentHash)
			if err != nil {
				n.log.Debug("watch: lookup invoice", zap.String("payment_hash", paymentHash), zap.Error(err))
				continue
			}
			if inv.Settled {
				n.Publish(Settlement{
					PaymentHash: paymentHash,
					Preimage:    inv.Preimage,
					AmountSats:  inv.AmountSats,
					SettledAt:   time.Now(),
				})
				return
			}
		}
	}
}
