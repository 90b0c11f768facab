package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeNode is a self-contained stand-in for a Lightning node. It mints
// invoices with locally generated preimages and "settles" them instantly
// when paid. It exists for tests and for the explicit degraded mode; it is
// never selected silently.
type FakeNode struct {
	mu       sync.Mutex
	invoices map[string]*Invoice // payment hash -> invoice
}

func NewFakeNode() *FakeNode {
	return &FakeNode{invoices: make(map[string]*Invoice)}
}

func (f *FakeNode) AddInvoice(_ context.Context, amountSats int64, memo string, expirySec int64) (*Invoice, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(preimage)
	hashHex := hex.EncodeToString(hash[:])

	inv := &Invoice{
		PaymentRequest: fmt.Sprintf("lnbcfake%d_%s", amountSats, hashHex[:16]),
		PaymentHash:    hashHex,
		Preimage:       hex.EncodeToString(preimage),
		AmountSats:     amountSats,
		ExpirySec:      expirySec,
	}
	f.mu.Lock()
	f.invoices[hashHex] = inv
	f.mu.Unlock()
	_ = memo
	return inv, nil
}

func (f *FakeNode) DecodeInvoice(_ context.Context, paymentRequest string) (*DecodedInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invoices {
		if inv.PaymentRequest == paymentRequest {
			return &DecodedInvoice{
				PaymentHash: inv.PaymentHash,
				AmountSats:  inv.AmountSats,
				ExpirySec:   inv.ExpirySec,
			}, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (f *FakeNode) PayInvoice(_ context.Context, paymentRequest string) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invoices {
		if inv.PaymentRequest == paymentRequest {
			inv.Settled = true
			return &Payment{
				PaymentHash: inv.PaymentHash,
				Preimage:    inv.Preimage,
			}, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (f *FakeNode) LookupInvoice(_ context.Context, paymentHash string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[paymentHash]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

// Settle marks an invoice settled without paying it (test hook).
func (f *FakeNode) Settle(paymentHash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[paymentHash]
	if ok {
		inv.Settled = true
	}
	return ok
}
