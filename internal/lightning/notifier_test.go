package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNotifier_FanOut(t *testing.T) {
	n := NewNotifier(zap.NewNop())

	id1, ch1 := n.Subscribe()
	_, ch2 := n.Subscribe()
	defer n.Unsubscribe(id1)

	s := Settlement{PaymentHash: "abc", AmountSats: 21}
	n.Publish(s)

	for i, ch := range []<-chan Settlement{ch1, ch2} {
		select {
		case got := <-ch:
			if got.PaymentHash != "abc" || got.AmountSats != 21 {
				t.Errorf("subscriber %d: got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestNotifier_UnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier(zap.NewNop())

	id, ch := n.Subscribe()
	n.Unsubscribe(id)

	// Channel must be closed with no pending events.
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	n.Publish(Settlement{PaymentHash: "after"})
}

func TestNotifier_FIFOOrder(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	id, ch := n.Subscribe()
	defer n.Unsubscribe(id)

	for i := 0; i < 5; i++ {
		n.Publish(Settlement{AmountSats: int64(i)})
	}
	for i := 0; i < 5; i++ {
		got := <-ch
		if got.AmountSats != int64(i) {
			t.Fatalf("event %d delivered out of order: %d", i, got.AmountSats)
		}
	}
}

func TestNotifier_LaggingSubscriberDoesNotBlock(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	id, _ := n.Subscribe() // never drained
	defer n.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			n.Publish(Settlement{AmountSats: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a lagging subscriber")
	}
}

func TestNotifier_ConcurrentSubscribePublish(t *testing.T) {
	n := NewNotifier(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id, _ := n.Subscribe()
			n.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			n.Publish(Settlement{PaymentHash: "race"})
		}()
	}
	wg.Wait()
}

func TestWatch_PublishesOnSettlement(t *testing.T) {
	node := NewFakeNode()
	inv, err := node.AddInvoice(context.Background(), 100, "test", 600)
	if err != nil {
		t.Fatal(err)
	}

	n := NewNotifier(zap.NewNop())
	id, ch := n.Subscribe()
	defer n.Unsubscribe(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go n.Watch(ctx, node, inv.PaymentHash, time.Now().Add(time.Minute))

	node.Settle(inv.PaymentHash)

	select {
	case got := <-ch:
		if got.PaymentHash != inv.PaymentHash {
			t.Errorf("PaymentHash: got %q want %q", got.PaymentHash, inv.PaymentHash)
		}
		if got.Preimage == "" {
			t.Error("expected preimage on settlement")
		}
	case <-ctx.Done():
		t.Fatal("no settlement event published")
	}
}

func TestFakeNode_PreimageHashesToPaymentHash(t *testing.T) {
	node := NewFakeNode()
	inv, err := node.AddInvoice(context.Background(), 50, "check", 600)
	if err != nil {
		t.Fatal(err)
	}

	pre, err := hex.DecodeString(inv.Preimage)
	if err != nil {
		t.Fatalf("preimage not hex: %v", err)
	}
	sum := sha256.Sum256(pre)
	if hex.EncodeToString(sum[:]) != inv.PaymentHash {
		t.Fatal("sha256(preimage) != payment hash")
	}
}
