// Package cashu implements the gateway's ecash wallet: a proof ledger over a
// Chaumian mint, with mint/melt/swap/send/receive operations and the cashuA
// token wire format. The mint itself is an external collaborator reached
// through the MintClient interface.
package cashu

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// MaxOrder is the largest denomination a keyset carries: 2^13.
const MaxDenomination = 8192

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTokenFormat  = errors.New("invalid token format")
	ErrMintMismatch        = errors.New("token is from a different mint")
	ErrMintUnavailable     = errors.New("mint unavailable")
)

// Proof is one denomination unit of ecash. The secret is the proof's
// identity: an unspent secret present in the ledger is owned, an absent one
// is spent or transferred.
type Proof struct {
	Amount uint64 `json:"amount"`
	Id     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

type Proofs []Proof

// Amount returns the total value of the proof set.
func (ps Proofs) Amount() uint64 {
	var total uint64
	for _, p := range ps {
		total += p.Amount
	}
	return total
}

// BlindedMessage is an output submitted to the mint for signing.
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	Id     string `json:"id"`
	B_     string `json:"B_"`
}

type BlindedMessages []BlindedMessage

// BlindedSignature is the mint's signature over a blinded message.
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	Id     string `json:"id"`
	C_     string `json:"C_"`
}

type BlindedSignatures []BlindedSignature

// Keyset is a mint's versioned set of per-denomination public keys.
type Keyset struct {
	Id     string            `json:"id"`
	Unit   string            `json:"unit"`
	Active bool              `json:"active"`
	Keys   map[uint64]string `json:"keys,omitempty"`
}

// MintQuote tracks a Lightning->ecash conversion request.
type MintQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"` // bolt11 invoice to pay
	State   string `json:"state"`   // UNPAID | PAID | ISSUED
	Expiry  int64  `json:"expiry"`
}

// MeltQuote tracks an ecash->Lightning conversion request.
type MeltQuote struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"` // UNPAID | PENDING | PAID
	Expiry     int64  `json:"expiry"`
}

// ProofState is the mint's spent/unspent view of one proof.
type ProofState struct {
	Y     string `json:"Y"`
	State string `json:"state"` // UNSPENT | PENDING | SPENT
}

// SplitAmount decomposes amount into the canonical minimal multiset of
// power-of-two denominations, largest first.
func SplitAmount(amount uint64) []uint64 {
	var split []uint64
	for power := uint64(MaxDenomination); power >= 1; power /= 2 {
		for amount >= power {
			split = append(split, power)
			amount -= power
		}
	}
	return split
}

// blindedOutput derives a fresh secret and blinding factor for one
// denomination and returns the blinded message together with the material
// needed to unblind the mint's signature.
type pendingOutput struct {
	msg    BlindedMessage
	secret string
	r      string
}

func newPendingOutput(amount uint64, keysetId string) (pendingOutput, error) {
	secret, err := randomHex(32)
	if err != nil {
		return pendingOutput{}, err
	}
	r, err := randomHex(32)
	if err != nil {
		return pendingOutput{}, err
	}
	return pendingOutput{
		msg: BlindedMessage{
			Amount: amount,
			Id:     keysetId,
			B_:     blindPoint(secret, r),
		},
		secret: secret,
		r:      r,
	}, nil
}

// blindPoint folds the secret and blinding factor into the committed B_
// value submitted to the mint. The curve arithmetic behind the commitment
// lives on the mint side of the MintClient boundary.
func blindPoint(secret, r string) string {
	sum := sha256.Sum256([]byte(secret + ":" + r))
	return "02" + hex.EncodeToString(sum[:])
}

// secretY hashes a proof secret into the Y value used by checkstate.
func secretY(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "02" + hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
