package l402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agreatopportunity/LNCA/internal/lightning"
	"github.com/agreatopportunity/LNCA/internal/macaroon"
)

const (
	invoiceExpirySeconds = 600
	schemePrefix         = "L402 "
)

var (
	ErrInvalidCredential = errors.New("invalid L402 credential")
	ErrUnknownTier       = errors.New("no pricing tier for provider")
)

// Challenge is everything a client needs to settle a 402 response.
type Challenge struct {
	Macaroon    string `json:"macaroon"`
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	AmountSats  int64  `json:"amount_sats"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Credential is a validated L402 authorization, ready for metering.
type Credential struct {
	PaymentHash string
	Provider    string
	MaxTokens   int
	Session     *Session
}

// Service issues L402 challenges and validates the credentials that come
// back. Invoices come from the Lightning node, grants from the macaroon
// engine, state from the store.
type Service struct {
	store   *Store
	node    lightning.Invoicer
	pricing *Pricing
	rootKey []byte
	log     *zap.Logger
}

func NewService(store *Store, node lightning.Invoicer, pricing *Pricing, rootKey []byte, log *zap.Logger) *Service {
	return &Service{
		store:   store,
		node:    node,
		pricing: pricing,
		rootKey: rootKey,
		log:     log,
	}
}

// CreateChallenge mints an invoice and a macaroon bound to it, records the
// PENDING session, and returns the challenge payload.
func (s *Service) CreateChallenge(ctx context.Context, providerName string, maxTokens int) (*Challenge, error) {
	tier, ok := s.pricing.Tier(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, providerName)
	}
	amount := tier.Quote(maxTokens)

	memo := fmt.Sprintf("LNCA access: %s, %d tokens", providerName, maxTokens)
	inv, err := s.node.AddInvoice(ctx, amount, memo, invoiceExpirySeconds)
	if err != nil {
		return nil, fmt.Errorf("add invoice: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(invoiceExpirySeconds * time.Second)

	mac, err := macaroon.NewWithIdentifier("LNCA", macaroon.Identifier{
		PaymentHash: inv.PaymentHash,
		Timestamp:   now.Unix(),
	}, s.rootKey)
	if err != nil {
		return nil, fmt.Errorf("mint macaroon: %w", err)
	}
	mac = mac.WithCaveat(macaroon.Caveat("provider", providerName)).
		WithCaveat(macaroon.Caveat("max_tokens", strconv.Itoa(maxTokens))).
		WithCaveat(macaroon.ExpiresCaveat(expiresAt))

	encoded, err := mac.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode macaroon: %w", err)
	}

	sess := &Session{
		PaymentHash:    inv.PaymentHash,
		Provider:       providerName,
		MaxTokens:      maxTokens,
		AmountSats:     amount,
		Macaroon:       encoded,
		InvoiceRequest: inv.PaymentRequest,
		Preimage:       inv.Preimage,
		CreatedAt:      now.Unix(),
		ExpiresAt:      expiresAt.Unix(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	s.log.Info("issued L402 challenge",
		zap.String("payment_hash", inv.PaymentHash),
		zap.String("provider", providerName),
		zap.Int("max_tokens", maxTokens),
		zap.Int64("amount_sats", amount))

	return &Challenge{
		Macaroon:    encoded,
		Invoice:     inv.PaymentRequest,
		PaymentHash: inv.PaymentHash,
		AmountSats:  amount,
		ExpiresAt:   expiresAt.Unix(),
	}, nil
}

// Validate checks an Authorization header of the form
// "L402 <macaroon-b64>:<preimage-hex>" and returns the credential when the
// macaroon verifies, the preimage proves settlement, and the session is
// still live.
func (s *Service) Validate(ctx context.Context, authHeader string) (*Credential, error) {
	encodedMac, preimage, err := parseAuthHeader(authHeader)
	if err != nil {
		return nil, err
	}

	mac, err := macaroon.Decode(encodedMac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	ident, err := mac.DecodeIdentifier()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	sess, err := s.store.GetSession(ctx, ident.PaymentHash)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if sess.Expired(now) {
		return nil, ErrSessionExpired
	}
	// A metered session is single-use: once usage is recorded against it the
	// credential is spent and the client must pay again.
	if sess.Used {
		return nil, ErrSessionConsumed
	}

	verifiers := map[string]macaroon.Verifier{
		"provider":   func(value string) error { return nil },
		"max_tokens": s.verifyMaxTokens(sess),
		"expires":    macaroon.VerifyExpires(now),
	}
	if err := mac.Verify(s.rootKey, verifiers); err != nil {
		return nil, err
	}

	if !s.preimageValid(preimage, sess) {
		return nil, fmt.Errorf("%w: preimage does not match payment hash", ErrInvalidCredential)
	}

	if !sess.Paid {
		won, err := s.store.MarkPaid(ctx, sess.PaymentHash)
		if err != nil {
			return nil, err
		}
		if won {
			s.log.Info("session settled",
				zap.String("payment_hash", sess.PaymentHash),
				zap.String("provider", sess.Provider))
		}
		sess.Paid = true
	}

	maxTokens := sess.MaxTokens
	if capTokens, ok := caveatMaxTokens(mac); ok && capTokens < maxTokens {
		maxTokens = capTokens
	}

	return &Credential{
		PaymentHash: sess.PaymentHash,
		Provider:    sess.Provider,
		MaxTokens:   maxTokens,
		Session:     sess,
	}, nil
}

// preimageValid accepts a preimage that hashes to the payment hash, and also
// the stored preimage verbatim since this gateway custodies its own invoices.
func (s *Service) preimageValid(preimage string, sess *Session) bool {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) == sess.PaymentHash {
		return true
	}
	return sess.Preimage != "" && preimage == sess.Preimage
}

func (s *Service) verifyMaxTokens(sess *Session) macaroon.Verifier {
	return func(value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("malformed max_tokens caveat: %q", value)
		}
		if n > sess.MaxTokens {
			return fmt.Errorf("max_tokens caveat %d exceeds session grant %d", n, sess.MaxTokens)
		}
		return nil
	}
}

// RecordUsage meters a completed request against its session. The request ID
// makes the write idempotent: a retried call with the same ID records once.
func (s *Service) RecordUsage(ctx context.Context, paymentHash, requestID, providerName string, tokens int) (int64, error) {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	claimed, err := s.store.ClaimUsage(ctx, paymentHash, requestID)
	if err != nil {
		return 0, err
	}
	if !claimed {
		s.log.Debug("duplicate usage record suppressed",
			zap.String("payment_hash", paymentHash),
			zap.String("request_id", requestID))
		return 0, nil
	}

	if err := s.store.MarkUsed(ctx, paymentHash, tokens); err != nil {
		return 0, err
	}

	var sats int64
	if tier, ok := s.pricing.Tier(providerName); ok {
		sats = tier.Revenue(tokens)
	}
	if err := s.store.AddRevenue(ctx, providerName, tokens, sats); err != nil {
		return 0, err
	}

	s.log.Info("recorded usage",
		zap.String("payment_hash", paymentHash),
		zap.String("provider", providerName),
		zap.Int("tokens", tokens),
		zap.Int64("sats", sats))
	return sats, nil
}

// ── Prepaid sessions ─────────────────────────────────────────────────────────

// CreatePrepaidSession buys a token budget up front with a single invoice.
func (s *Service) CreatePrepaidSession(ctx context.Context, providerName string, tokenBudget int, ttl time.Duration) (*PrepaidSession, error) {
	tier, ok := s.pricing.Tier(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, providerName)
	}
	amount := tier.Quote(tokenBudget)

	memo := fmt.Sprintf("LNCA prepaid: %s, %d tokens", providerName, tokenBudget)
	inv, err := s.node.AddInvoice(ctx, amount, memo, int64(ttl.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("add invoice: %w", err)
	}

	now := time.Now()
	p := &PrepaidSession{
		ID:              uuid.New().String(),
		Provider:        providerName,
		TokenBudget:     tokenBudget,
		TokensRemaining: tokenBudget,
		AmountSats:      amount,
		InvoiceRequest:  inv.PaymentRequest,
		PaymentHash:     inv.PaymentHash,
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(ttl).Unix(),
	}
	if err := s.store.CreatePrepaidSession(ctx, p); err != nil {
		return nil, fmt.Errorf("store prepaid session: %w", err)
	}

	s.log.Info("issued prepaid session",
		zap.String("session_id", p.ID),
		zap.String("provider", providerName),
		zap.Int("token_budget", tokenBudget),
		zap.Int64("amount_sats", amount))
	return p, nil
}

// SettleByPaymentHash marks whichever session owns the invoice as paid.
// Settlement watchers call this when an invoice settles out of band.
func (s *Service) SettleByPaymentHash(ctx context.Context, paymentHash string) error {
	if _, err := s.store.GetSession(ctx, paymentHash); err == nil {
		_, err := s.store.MarkPaid(ctx, paymentHash)
		return err
	}
	id, err := s.store.PrepaidIDByPaymentHash(ctx, paymentHash)
	if err != nil {
		return err
	}
	if _, err := s.store.MarkPrepaidPaid(ctx, id); err != nil {
		return err
	}
	s.log.Info("prepaid session settled",
		zap.String("session_id", id),
		zap.String("payment_hash", paymentHash))
	return nil
}

// SettlePrepaid marks a prepaid session as paid once its invoice settles.
func (s *Service) SettlePrepaid(ctx context.Context, id string) error {
	if _, err := s.store.GetPrepaidSession(ctx, id); err != nil {
		return err
	}
	_, err := s.store.MarkPrepaidPaid(ctx, id)
	return err
}

// UsePrepaidTokens draws tokens from a paid prepaid budget.
func (s *Service) UsePrepaidTokens(ctx context.Context, id string, tokens int) (int, error) {
	p, err := s.store.GetPrepaidSession(ctx, id)
	if err != nil {
		return 0, err
	}
	if time.Now().Unix() > p.ExpiresAt {
		return 0, ErrSessionExpired
	}
	if !p.Paid {
		return 0, ErrNotPaid
	}
	remaining, err := s.store.DrawDownBudget(ctx, id, tokens)
	if err != nil {
		return remaining, err
	}
	s.log.Debug("prepaid tokens drawn",
		zap.String("session_id", id),
		zap.Int("tokens", tokens),
		zap.Int("remaining", remaining))
	return remaining, nil
}

// ── Parsing ──────────────────────────────────────────────────────────────────

func parseAuthHeader(header string) (encodedMac, preimage string, err error) {
	if !strings.HasPrefix(header, schemePrefix) {
		return "", "", fmt.Errorf("%w: missing L402 scheme", ErrInvalidCredential)
	}
	rest := strings.TrimPrefix(header, schemePrefix)
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("%w: expected <macaroon>:<preimage>", ErrInvalidCredential)
	}
	return rest[:idx], rest[idx+1:], nil
}

func caveatMaxTokens(mac *macaroon.Macaroon) (int, bool) {
	for _, c := range mac.Caveats {
		key, value, ok := strings.Cut(c, " = ")
		if ok && key == "max_tokens" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
