package l402

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "l402:session:"
	prepaidKeyPrefix = "l402:prepaid:"
	usageKeyPrefix   = "l402:usage:"

	statsTotalKey    = "l402:stats:total"
	statsProviderFmt = "l402:stats:provider:%s"
	usageDedupTTL    = 24 * time.Hour
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionConsumed    = errors.New("session already consumed")
	ErrNotPaid            = errors.New("session not paid")
	ErrInsufficientBudget = errors.New("insufficient token budget")
)

// Session is one payment-to-access grant, keyed by payment hash.
// State machine: PENDING -> PAID -> CONSUMED, with expiry checked lazily.
type Session struct {
	PaymentHash    string
	Provider       string
	MaxTokens      int
	AmountSats     int64
	Macaroon       string // encoded wire form
	InvoiceRequest string
	Preimage       string // hex, held for single-operator validation
	CreatedAt      int64
	ExpiresAt      int64
	Paid           bool
	Used           bool
	TokensUsed     int
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() > s.ExpiresAt
}

// PrepaidSession is the many-requests flavor: one invoice buys a token
// budget drawn down per call.
type PrepaidSession struct {
	ID              string
	Provider        string
	TokenBudget     int
	TokensRemaining int
	AmountSats      int64
	InvoiceRequest  string
	PaymentHash     string
	CreatedAt       int64
	ExpiresAt       int64
	Paid            bool
}

// Store persists sessions, prepaid budgets, usage dedup keys, and revenue
// counters in Redis. All state transitions ride on Redis atomic primitives
// so concurrent requests on the same payment hash cannot double-bill.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func sessionKey(paymentHash string) string { return sessionKeyPrefix + paymentHash }

func prepaidKey(id string) string { return prepaidKeyPrefix + id }

func prepaidHashKey(paymentHash string) string { return prepaidKeyPrefix + "byhash:" + paymentHash }

// ── Metered sessions ─────────────────────────────────────────────────────────

// CreateSession writes a fresh PENDING session. The paid and used fields
// are left absent so that HSetNX can later serve as the state transition.
func (st *Store) CreateSession(ctx context.Context, s *Session) error {
	return st.rdb.HSet(ctx, sessionKey(s.PaymentHash),
		"payment_hash", s.PaymentHash,
		"provider", s.Provider,
		"max_tokens", s.MaxTokens,
		"amount_sats", s.AmountSats,
		"macaroon", s.Macaroon,
		"invoice_request", s.InvoiceRequest,
		"preimage", s.Preimage,
		"created_at", s.CreatedAt,
		"expires_at", s.ExpiresAt,
		"tokens_used", s.TokensUsed,
	).Err()
}

func (st *Store) GetSession(ctx context.Context, paymentHash string) (*Session, error) {
	vals, err := st.rdb.HGetAll(ctx, sessionKey(paymentHash)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrSessionNotFound
	}
	return sessionFromMap(vals), nil
}

// MarkPaid flips the session to PAID. HSetNX makes the transition a
// compare-and-set: the returned bool reports whether this caller won it.
func (st *Store) MarkPaid(ctx context.Context, paymentHash string) (bool, error) {
	return st.rdb.HSetNX(ctx, sessionKey(paymentHash), "paid", "1").Result()
}

// MarkUsed records consumption and accumulates tokens on the session.
func (st *Store) MarkUsed(ctx context.Context, paymentHash string, tokensUsed int) error {
	key := sessionKey(paymentHash)
	if err := st.rdb.HSet(ctx, key, "used", "1").Err(); err != nil {
		return err
	}
	return st.rdb.HIncrBy(ctx, key, "tokens_used", int64(tokensUsed)).Err()
}

// ClaimUsage reserves the (payment hash, request id) pair. It returns false
// when the pair was already claimed, which makes usage recording idempotent
// across client retries.
func (st *Store) ClaimUsage(ctx context.Context, paymentHash, requestID string) (bool, error) {
	key := usageKeyPrefix + paymentHash + ":" + requestID
	return st.rdb.SetNX(ctx, key, 1, usageDedupTTL).Result()
}

// CountActiveSessions scans for sessions that are not yet expired.
func (st *Store) CountActiveSessions(ctx context.Context, now time.Time) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := st.rdb.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			raw, err := st.rdb.HGet(ctx, key, "expires_at").Result()
			if err != nil {
				continue
			}
			exp, _ := strconv.ParseInt(raw, 10, 64)
			if now.Unix() <= exp {
				count++
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return count, nil
}

// ── Prepaid sessions ─────────────────────────────────────────────────────────

func (st *Store) CreatePrepaidSession(ctx context.Context, p *PrepaidSession) error {
	ttl := time.Until(time.Unix(p.ExpiresAt, 0)) + time.Hour
	if err := st.rdb.Set(ctx, prepaidHashKey(p.PaymentHash), p.ID, ttl).Err(); err != nil {
		return err
	}
	return st.rdb.HSet(ctx, prepaidKey(p.ID),
		"id", p.ID,
		"provider", p.Provider,
		"token_budget", p.TokenBudget,
		"tokens_remaining", p.TokensRemaining,
		"amount_sats", p.AmountSats,
		"invoice_request", p.InvoiceRequest,
		"payment_hash", p.PaymentHash,
		"created_at", p.CreatedAt,
		"expires_at", p.ExpiresAt,
	).Err()
}

func (st *Store) GetPrepaidSession(ctx context.Context, id string) (*PrepaidSession, error) {
	vals, err := st.rdb.HGetAll(ctx, prepaidKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrSessionNotFound
	}
	return prepaidFromMap(vals), nil
}

// PrepaidIDByPaymentHash resolves the session an invoice belongs to.
func (st *Store) PrepaidIDByPaymentHash(ctx context.Context, paymentHash string) (string, error) {
	id, err := st.rdb.Get(ctx, prepaidHashKey(paymentHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	return id, err
}

// MarkPrepaidPaid flips a prepaid session to PAID (settlement observed).
func (st *Store) MarkPrepaidPaid(ctx context.Context, id string) (bool, error) {
	return st.rdb.HSetNX(ctx, prepaidKey(id), "paid", "1").Result()
}

// DrawDownBudget atomically decrements tokens_remaining. When the decrement
// overdraws, it is rolled back and ErrInsufficientBudget returned.
func (st *Store) DrawDownBudget(ctx context.Context, id string, tokens int) (int, error) {
	key := prepaidKey(id)
	remaining, err := st.rdb.HIncrBy(ctx, key, "tokens_remaining", -int64(tokens)).Result()
	if err != nil {
		return 0, err
	}
	if remaining < 0 {
		if err := st.rdb.HIncrBy(ctx, key, "tokens_remaining", int64(tokens)).Err(); err != nil {
			return 0, err
		}
		return int(remaining + int64(tokens)), ErrInsufficientBudget
	}
	return int(remaining), nil
}

// ── Revenue stats ────────────────────────────────────────────────────────────

// ProviderStats are the per-provider revenue counters.
type ProviderStats struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
	Sats     int64 `json:"sats"`
}

// AddRevenue bumps the global and per-provider counters.
func (st *Store) AddRevenue(ctx context.Context, provider string, tokens int, sats int64) error {
	for _, key := range []string{statsTotalKey, fmt.Sprintf(statsProviderFmt, provider)} {
		if err := st.rdb.HIncrBy(ctx, key, "requests", 1).Err(); err != nil {
			return err
		}
		if err := st.rdb.HIncrBy(ctx, key, "tokens", int64(tokens)).Err(); err != nil {
			return err
		}
		if err := st.rdb.HIncrBy(ctx, key, "sats", sats).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (st *Store) TotalStats(ctx context.Context) (ProviderStats, error) {
	return st.readStats(ctx, statsTotalKey)
}

func (st *Store) StatsFor(ctx context.Context, provider string) (ProviderStats, error) {
	return st.readStats(ctx, fmt.Sprintf(statsProviderFmt, provider))
}

func (st *Store) readStats(ctx context.Context, key string) (ProviderStats, error) {
	vals, err := st.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return ProviderStats{}, err
	}
	return ProviderStats{
		Requests: parseInt(vals["requests"]),
		Tokens:   parseInt(vals["tokens"]),
		Sats:     parseInt(vals["sats"]),
	}, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func sessionFromMap(m map[string]string) *Session {
	return &Session{
		PaymentHash:    m["payment_hash"],
		Provider:       m["provider"],
		MaxTokens:      int(parseInt(m["max_tokens"])),
		AmountSats:     parseInt(m["amount_sats"]),
		Macaroon:       m["macaroon"],
		InvoiceRequest: m["invoice_request"],
		Preimage:       m["preimage"],
		CreatedAt:      parseInt(m["created_at"]),
		ExpiresAt:      parseInt(m["expires_at"]),
		Paid:           m["paid"] == "1",
		Used:           m["used"] == "1",
		TokensUsed:     int(parseInt(m["tokens_used"])),
	}
}

func prepaidFromMap(m map[string]string) *PrepaidSession {
	return &PrepaidSession{
		ID:              m["id"],
		Provider:        m["provider"],
		TokenBudget:     int(parseInt(m["token_budget"])),
		TokensRemaining: int(parseInt(m["tokens_remaining"])),
		AmountSats:      parseInt(m["amount_sats"]),
		InvoiceRequest:  m["invoice_request"],
		PaymentHash:     m["payment_hash"],
		CreatedAt:       parseInt(m["created_at"]),
		ExpiresAt:       parseInt(m["expires_at"]),
		Paid:            m["paid"] == "1",
	}
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
