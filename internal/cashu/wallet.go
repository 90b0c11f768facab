package cashu

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Wallet owns the set of unspent proofs. All mutating operations hold the
// wallet lock for the full select -> submit -> commit sequence, so concurrent
// send/melt/swap calls can never double-select a proof, and every operation
// is all-or-nothing: a mint rejection leaves the ledger untouched.
type Wallet struct {
	mu      sync.Mutex
	proofs  Proofs
	balance uint64 // always equals proofs.Amount()

	mint    MintClient
	mintURL string
	keyset  *Keyset // fetched lazily
	log     *zap.Logger
}

func NewWallet(mint MintClient, mintURL string, log *zap.Logger) *Wallet {
	return &Wallet{
		mint:    mint,
		mintURL: mintURL,
		log:     log,
	}
}

// Balance returns the cached balance, which is kept equal to the proof sum.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Proofs returns a copy of the current proof set.
func (w *Wallet) Proofs() Proofs {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make(Proofs, len(w.proofs))
	copy(cp, w.proofs)
	return cp
}

// MintURL returns the mint this wallet is bound to.
func (w *Wallet) MintURL() string { return w.mintURL }

// Restore replaces the ledger with proofs loaded from persistent storage.
func (w *Wallet) Restore(proofs Proofs) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.proofs = make(Proofs, len(proofs))
	copy(w.proofs, proofs)
	w.balance = w.proofs.Amount()
}

func (w *Wallet) activeKeysetId(ctx context.Context) (string, error) {
	if w.keyset != nil {
		return w.keyset.Id, nil
	}
	ks, err := w.mint.ActiveKeyset(ctx)
	if err != nil {
		return "", err
	}
	w.keyset = ks
	return ks.Id, nil
}

// RequestMintQuote asks the mint for a Lightning invoice covering amount.
// The ledger is not touched.
func (w *Wallet) RequestMintQuote(ctx context.Context, amount uint64) (*MintQuote, error) {
	return w.mint.MintQuote(ctx, amount)
}

// MintTokens redeems a paid mint quote into fresh proofs. One blinded
// message is generated per denomination of SplitAmount(amount); the mint
// must return exactly one signature per message or the ledger stays
// unchanged.
func (w *Wallet) MintTokens(ctx context.Context, quote string, amount uint64) (Proofs, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	keysetId, err := w.activeKeysetId(ctx)
	if err != nil {
		return nil, err
	}

	outputs, err := buildOutputs(SplitAmount(amount), keysetId)
	if err != nil {
		return nil, err
	}

	sigs, err := w.mint.Mint(ctx, quote, messages(outputs))
	if err != nil {
		return nil, err
	}
	proofs, err := unblind(outputs, sigs)
	if err != nil {
		return nil, err
	}

	w.proofs = append(w.proofs, proofs...)
	w.balance += proofs.Amount()
	w.log.Info("minted tokens", zap.Uint64("amount", amount), zap.Uint64("balance", w.balance))
	return proofs, nil
}

// RequestMeltQuote asks the mint what settling invoiceRequest would cost.
func (w *Wallet) RequestMeltQuote(ctx context.Context, invoiceRequest string) (*MeltQuote, error) {
	return w.mint.MeltQuote(ctx, invoiceRequest)
}

// MeltTokens spends proofs to have the mint settle the Lightning invoice
// bound to the quote. The selected proofs (which may overshoot amount plus
// the fee reserve) are removed only after the mint accepts.
func (w *Wallet) MeltTokens(ctx context.Context, quote string, amount uint64) (*MeltQuote, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	selected, _, err := w.selectLocked(amount)
	if err != nil {
		return nil, err
	}

	result, err := w.mint.Melt(ctx, quote, selected)
	if err != nil {
		return nil, err
	}

	w.removeLocked(selected)
	w.log.Info("melted tokens",
		zap.Uint64("amount", amount),
		zap.Uint64("spent", selected.Amount()),
		zap.Uint64("balance", w.balance),
	)
	return result, nil
}

// SelectProofs greedily accumulates proofs, largest first, until the running
// total covers amount. It never mutates the ledger; change is the overshoot.
func (w *Wallet) SelectProofs(amount uint64) (Proofs, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectLocked(amount)
}

func (w *Wallet) selectLocked(amount uint64) (Proofs, uint64, error) {
	if w.balance < amount {
		return nil, 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, w.balance, amount)
	}
	sorted := make(Proofs, len(w.proofs))
	copy(sorted, w.proofs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var selected Proofs
	var total uint64
	for _, p := range sorted {
		if total >= amount {
			break
		}
		selected = append(selected, p)
		total += p.Amount
	}
	return selected, total - amount, nil
}

// SwapTokens reissues the given proofs as a fresh set of the same total
// value. The old proofs are removed and the new ones inserted only if the
// mint accepts the swap.
func (w *Wallet) SwapTokens(ctx context.Context, proofs Proofs) (Proofs, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.swapLocked(ctx, proofs, true)
}

// swapLocked runs a swap against the mint. When fromLedger is false the
// inputs are foreign proofs (receive path) and are not expected in the
// ledger.
func (w *Wallet) swapLocked(ctx context.Context, proofs Proofs, fromLedger bool) (Proofs, error) {
	keysetId, err := w.activeKeysetId(ctx)
	if err != nil {
		return nil, err
	}
	outputs, err := buildOutputs(SplitAmount(proofs.Amount()), keysetId)
	if err != nil {
		return nil, err
	}
	sigs, err := w.mint.Swap(ctx, proofs, messages(outputs))
	if err != nil {
		return nil, err
	}
	newProofs, err := unblind(outputs, sigs)
	if err != nil {
		return nil, err
	}
	if fromLedger {
		w.removeLocked(proofs)
		w.proofs = append(w.proofs, newProofs...)
		w.balance += newProofs.Amount()
	}
	return newProofs, nil
}

// Send removes amount worth of proofs from the ledger and serializes them
// into a portable token. If the greedy selection overshoots, the selected
// proofs are first swapped into an exact set plus change; the change stays
// in the ledger, so the balance drops by exactly amount.
func (w *Wallet) Send(ctx context.Context, amount uint64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	selected, change, err := w.selectLocked(amount)
	if err != nil {
		return "", err
	}

	toSend := selected
	if change > 0 {
		toSend, err = w.breakForChange(ctx, selected, amount)
		if err != nil {
			return "", err
		}
	}

	token, err := SerializeToken(w.mintURL, toSend)
	if err != nil {
		return "", err
	}
	w.removeLocked(toSend)
	w.log.Info("sent tokens", zap.Uint64("amount", amount), zap.Uint64("balance", w.balance))
	return token, nil
}

// breakForChange swaps selected into exact amount + change denominations and
// commits both to the ledger, returning the exact-amount subset.
func (w *Wallet) breakForChange(ctx context.Context, selected Proofs, amount uint64) (Proofs, error) {
	keysetId, err := w.activeKeysetId(ctx)
	if err != nil {
		return nil, err
	}
	sendSplit := SplitAmount(amount)
	changeSplit := SplitAmount(selected.Amount() - amount)
	outputs, err := buildOutputs(append(sendSplit, changeSplit...), keysetId)
	if err != nil {
		return nil, err
	}
	sigs, err := w.mint.Swap(ctx, selected, messages(outputs))
	if err != nil {
		return nil, err
	}
	fresh, err := unblind(outputs, sigs)
	if err != nil {
		return nil, err
	}

	// Commit: old proofs out, all fresh proofs in. The exact-amount subset
	// is the first len(sendSplit) outputs by construction.
	w.removeLocked(selected)
	w.proofs = append(w.proofs, fresh...)
	w.balance += fresh.Amount()
	return fresh[:len(sendSplit)], nil
}

// Receive redeems a serialized token. The token must reference this
// wallet's mint; the incoming proofs are mandatorily swapped so the sender's
// retained copy is invalidated before anything is credited.
func (w *Wallet) Receive(ctx context.Context, tokenString string) (uint64, Proofs, error) {
	entry, err := DeserializeToken(tokenString)
	if err != nil {
		return 0, nil, err
	}
	if entry.Mint != w.mintURL {
		return 0, nil, fmt.Errorf("%w: token mint %q, wallet mint %q", ErrMintMismatch, entry.Mint, w.mintURL)
	}
	if len(entry.Proofs) == 0 {
		return 0, nil, fmt.Errorf("%w: no proofs", ErrInvalidTokenFormat)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	fresh, err := w.swapLocked(ctx, entry.Proofs, false)
	if err != nil {
		return 0, nil, err
	}
	w.proofs = append(w.proofs, fresh...)
	w.balance += fresh.Amount()
	w.log.Info("received tokens", zap.Uint64("amount", fresh.Amount()), zap.Uint64("balance", w.balance))
	return fresh.Amount(), fresh, nil
}

// CheckTokenState asks the mint whether each proof has been spent. Purely
// informational.
func (w *Wallet) CheckTokenState(ctx context.Context, proofs Proofs) ([]ProofState, error) {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		ys[i] = secretY(p.Secret)
	}
	return w.mint.CheckState(ctx, ys)
}

// removeLocked drops the given proofs (matched by secret) from the ledger
// and keeps the cached balance in sync.
func (w *Wallet) removeLocked(remove Proofs) {
	spent := make(map[string]struct{}, len(remove))
	for _, p := range remove {
		spent[p.Secret] = struct{}{}
	}
	kept := w.proofs[:0]
	for _, p := range w.proofs {
		if _, gone := spent[p.Secret]; gone {
			w.balance -= p.Amount
			continue
		}
		kept = append(kept, p)
	}
	w.proofs = kept
}

func buildOutputs(split []uint64, keysetId string) ([]pendingOutput, error) {
	outputs := make([]pendingOutput, 0, len(split))
	for _, amt := range split {
		out, err := newPendingOutput(amt, keysetId)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func messages(outputs []pendingOutput) BlindedMessages {
	msgs := make(BlindedMessages, len(outputs))
	for i, o := range outputs {
		msgs[i] = o.msg
	}
	return msgs
}

// unblind turns the mint's signatures back into proofs. The signature count
// must match the submitted output count exactly.
func unblind(outputs []pendingOutput, sigs BlindedSignatures) (Proofs, error) {
	if len(sigs) != len(outputs) {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs", len(sigs), len(outputs))
	}
	proofs := make(Proofs, len(outputs))
	for i, o := range outputs {
		if sigs[i].Amount != o.msg.Amount {
			return nil, fmt.Errorf("signature %d: amount %d does not match output %d", i, sigs[i].Amount, o.msg.Amount)
		}
		proofs[i] = Proof{
			Amount: o.msg.Amount,
			Id:     sigs[i].Id,
			Secret: o.secret,
			C:      sigs[i].C_,
		}
	}
	return proofs, nil
}
