package cashu

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeMint is an in-memory mint for tests and the explicit degraded mode.
// It issues signatures without real blind-signature crypto but enforces the
// protocol rules that matter to the wallet: quotes must exist, inputs must
// not be double-spent, and swaps invalidate their inputs.
type FakeMint struct {
	mu         sync.Mutex
	keyset     Keyset
	mintQuotes map[string]*MintQuote
	meltQuotes map[string]*MeltQuote
	spent      map[string]struct{} // secrets already consumed
	RejectMelt bool                // test hook: refuse melts
	RejectSwap bool                // test hook: refuse swaps
}

func NewFakeMint() *FakeMint {
	return &FakeMint{
		keyset: Keyset{
			Id:     "00fakekeyset0001",
			Unit:   "sat",
			Active: true,
		},
		mintQuotes: make(map[string]*MintQuote),
		meltQuotes: make(map[string]*MeltQuote),
		spent:      make(map[string]struct{}),
	}
}

func (m *FakeMint) ActiveKeyset(context.Context) (*Keyset, error) {
	ks := m.keyset
	return &ks, nil
}

func (m *FakeMint) MintQuote(_ context.Context, amount uint64) (*MintQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &MintQuote{
		Quote:   uuid.NewString(),
		Request: fmt.Sprintf("lnbcfakemint%d", amount),
		State:   "UNPAID",
		Expiry:  time.Now().Add(10 * time.Minute).Unix(),
	}
	m.mintQuotes[q.Quote] = q
	return q, nil
}

// MarkPaid flips a mint quote to PAID (test hook standing in for an actual
// Lightning payment).
func (m *FakeMint) MarkPaid(quote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.mintQuotes[quote]; ok {
		q.State = "PAID"
	}
}

func (m *FakeMint) Mint(_ context.Context, quote string, outputs BlindedMessages) (BlindedSignatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.mintQuotes[quote]
	if !ok {
		return nil, fmt.Errorf("unknown mint quote %s", quote)
	}
	if q.State == "ISSUED" {
		return nil, fmt.Errorf("mint quote %s already issued", quote)
	}
	q.State = "ISSUED"
	return m.sign(outputs), nil
}

func (m *FakeMint) MeltQuote(_ context.Context, invoiceRequest string) (*MeltQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &MeltQuote{
		Quote:      uuid.NewString(),
		Amount:     uint64(len(invoiceRequest)), // deterministic stand-in amount
		FeeReserve: 1,
		State:      "UNPAID",
		Expiry:     time.Now().Add(10 * time.Minute).Unix(),
	}
	m.meltQuotes[q.Quote] = q
	return q, nil
}

func (m *FakeMint) Melt(_ context.Context, quote string, inputs Proofs) (*MeltQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RejectMelt {
		return nil, fmt.Errorf("%w: melt rejected", ErrMintUnavailable)
	}
	q, ok := m.meltQuotes[quote]
	if !ok {
		return nil, fmt.Errorf("unknown melt quote %s", quote)
	}
	if err := m.consume(inputs); err != nil {
		return nil, err
	}
	q.State = "PAID"
	return q, nil
}

func (m *FakeMint) Swap(_ context.Context, inputs Proofs, outputs BlindedMessages) (BlindedSignatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RejectSwap {
		return nil, fmt.Errorf("%w: swap rejected", ErrMintUnavailable)
	}
	if inputs.Amount() != totalAmount(outputs) {
		return nil, fmt.Errorf("swap amount mismatch: inputs %d, outputs %d", inputs.Amount(), totalAmount(outputs))
	}
	if err := m.consume(inputs); err != nil {
		return nil, err
	}
	return m.sign(outputs), nil
}

func (m *FakeMint) CheckState(_ context.Context, ys []string) ([]ProofState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]ProofState, len(ys))
	for i, y := range ys {
		state := "UNSPENT"
		if _, ok := m.spentYs()[y]; ok {
			state = "SPENT"
		}
		states[i] = ProofState{Y: y, State: state}
	}
	return states, nil
}

func (m *FakeMint) consume(inputs Proofs) error {
	for _, p := range inputs {
		if _, ok := m.spent[p.Secret]; ok {
			return fmt.Errorf("proof already spent")
		}
	}
	for _, p := range inputs {
		m.spent[p.Secret] = struct{}{}
	}
	return nil
}

func (m *FakeMint) sign(outputs BlindedMessages) BlindedSignatures {
	sigs := make(BlindedSignatures, len(outputs))
	for i, o := range outputs {
		sum := sha256.Sum256([]byte(m.keyset.Id + o.B_))
		sigs[i] = BlindedSignature{
			Amount: o.Amount,
			Id:     m.keyset.Id,
			C_:     "03" + hex.EncodeToString(sum[:]),
		}
	}
	return sigs
}

func (m *FakeMint) spentYs() map[string]struct{} {
	ys := make(map[string]struct{}, len(m.spent))
	for secret := range m.spent {
		ys[secretY(secret)] = struct{}{}
	}
	return ys
}

func totalAmount(msgs BlindedMessages) uint64 {
	var t uint64
	for _, m := range msgs {
		t += m.Amount
	}
	return t
}
