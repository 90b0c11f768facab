// Package relay broadcasts usage receipts over Nostr. Every settled request
// becomes a signed kind-1573 event, so third parties can audit gateway
// revenue without access to the ledger database.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// ReceiptKind is the event kind used for usage receipts.
const ReceiptKind = 1573

// serviceTag marks receipts from this gateway so subscribers can filter.
const serviceTag = "lnca-gateway"

var ErrNoRelays = errors.New("no relay connections")

// Receipt is the content payload of a usage receipt event.
type Receipt struct {
	PaymentHash string `json:"payment_hash"`
	Provider    string `json:"provider"`
	Tokens      int    `json:"tokens"`
	Sats        int64  `json:"sats"`
	Timestamp   int64  `json:"timestamp"`
}

// Client publishes receipts to a set of relays. Publishing is best effort
// per relay; a receipt counts as published when at least one relay took it.
type Client struct {
	relays []*nostr.Relay
	sk     string
	pk     string
	log    *zap.Logger
}

// Connect dials each relay URL and derives the signing keypair from
// secretKey (hex). Relays that fail to connect are logged and skipped;
// connecting to none is an error.
func Connect(ctx context.Context, urls []string, secretKey string, log *zap.Logger) (*Client, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	var relays []*nostr.Relay
	for _, url := range urls {
		r, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			log.Warn("relay connect failed", zap.String("url", url), zap.Error(err))
			continue
		}
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	return &Client{relays: relays, sk: secretKey, pk: pk, log: log}, nil
}

func (c *Client) PublicKey() string { return c.pk }

// PublishReceipt signs the receipt and publishes it to every connected
// relay. It returns an error only when no relay accepted the event.
func (c *Client) PublishReceipt(ctx context.Context, r Receipt) error {
	content, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	ev := nostr.Event{
		PubKey:    c.pk,
		CreatedAt: nostr.Now(),
		Kind:      ReceiptKind,
		Tags: nostr.Tags{
			{"s", serviceTag},
			{"provider", r.Provider},
		},
		Content: string(content),
	}
	if err := ev.Sign(c.sk); err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}

	published := 0
	for _, relay := range c.relays {
		if err := relay.Publish(ctx, ev); err != nil {
			c.log.Warn("receipt publish failed",
				zap.String("relay", relay.URL), zap.Error(err))
			continue
		}
		published++
	}
	if published == 0 {
		return fmt.Errorf("receipt %s: %w", r.PaymentHash, ErrNoRelays)
	}
	c.log.Debug("published receipt",
		zap.String("payment_hash", r.PaymentHash),
		zap.Int("relays", published))
	return nil
}

// SubscribeReceipts streams receipts published under this gateway's service
// tag, invoking handler for each. It blocks until ctx is done or the
// subscription closes.
func (c *Client) SubscribeReceipts(ctx context.Context, handler func(Receipt)) error {
	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds: []int{ReceiptKind},
		Since: &since,
		Tags:  nostr.TagMap{"s": []string{serviceTag}},
	}}

	sub, err := c.relays[0].Subscribe(ctx, filters)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			var r Receipt
			if err := json.Unmarshal([]byte(ev.Content), &r); err != nil {
				c.log.Warn("malformed receipt event", zap.String("id", ev.ID), zap.Error(err))
				continue
			}
			handler(r)
		case <-sub.EndOfStoredEvents:
		}
	}
}

// Close shuts down every relay connection.
func (c *Client) Close() {
	for _, r := range c.relays {
		r.Close()
	}
}
