// Package lightning is the gateway's interface to its Lightning node. The
// node is an external collaborator: the gateway only creates invoices, pays
// them, and watches settlement.
package lightning

import (
	"context"
	"errors"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrNodeUnavailable = errors.New("lightning node unavailable")
)

// Invoice is a created (possibly unpaid) invoice as seen by the gateway.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"` // hex
	Preimage       string `json:"preimage"`     // hex, empty if not held locally
	AmountSats     int64  `json:"amount_sats"`
	ExpirySec      int64  `json:"expiry_sec"`
	Settled        bool   `json:"settled"`
}

// DecodedInvoice is the result of decoding a bolt11 payment request.
type DecodedInvoice struct {
	PaymentHash string `json:"payment_hash"`
	AmountSats  int64  `json:"amount_sats"`
	Description string `json:"description"`
	ExpirySec   int64  `json:"expiry_sec"`
}

// Payment is the outcome of paying an invoice.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage"`
	FeeSats     int64  `json:"fee_sats"`
}

// Invoicer is the operations the gateway needs from a Lightning node.
// All calls block until the node responds or ctx is done.
type Invoicer interface {
	// AddInvoice creates an invoice for amountSats with the given memo and
	// expiry in seconds.
	AddInvoice(ctx context.Context, amountSats int64, memo string, expirySec int64) (*Invoice, error)

	// DecodeInvoice parses a bolt11 payment request.
	DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error)

	// PayInvoice pays a bolt11 payment request and returns the settlement
	// preimage.
	PayInvoice(ctx context.Context, paymentRequest string) (*Payment, error)

	// LookupInvoice returns the current state of an invoice by payment hash.
	LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error)
}
