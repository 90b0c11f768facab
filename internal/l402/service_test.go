package l402

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agreatopportunity/LNCA/internal/lightning"
)

var testRootKey = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) (*Service, *Store, *lightning.FakeNode, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := NewStore(rdb)
	node := lightning.NewFakeNode()
	pricing := NewPricing("baseline", []Tier{
		{ID: "baseline", DisplayName: "Baseline", PricePerToken: 0.01, MinPayment: 10},
		{ID: "premium", DisplayName: "Premium", PricePerToken: 0.1, MinPayment: 100},
	})
	svc := NewService(store, node, pricing, testRootKey, zap.NewNop())
	return svc, store, node, rdb
}

func authFor(ch *Challenge, preimage string) string {
	return schemePrefix + ch.Macaroon + ":" + preimage
}

func TestCreateChallengePricing(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	// 1000 tokens at 0.01 sat/token = 10 sats, equal to the floor.
	ch, err := svc.CreateChallenge(ctx, "baseline", 1000)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch.AmountSats != 10 {
		t.Fatalf("baseline amount = %d, want 10", ch.AmountSats)
	}

	// 5000 tokens at 0.1 sat/token = 500 sats, above the 100 sat floor.
	ch, err = svc.CreateChallenge(ctx, "premium", 5000)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch.AmountSats != 500 {
		t.Fatalf("premium amount = %d, want 500", ch.AmountSats)
	}

	// Tiny requests clamp to the minimum payment.
	ch, err = svc.CreateChallenge(ctx, "premium", 1)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch.AmountSats != 100 {
		t.Fatalf("clamped amount = %d, want 100", ch.AmountSats)
	}
}

func TestCreateChallengeUnknownTier(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.CreateChallenge(context.Background(), "nonexistent", 100); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("err = %v, want ErrUnknownTier", err)
	}
}

func TestValidateHappyPath(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	inv, err := node.LookupInvoice(ctx, ch.PaymentHash)
	if err != nil {
		t.Fatalf("LookupInvoice: %v", err)
	}

	cred, err := svc.Validate(ctx, authFor(ch, inv.Preimage))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cred.PaymentHash != ch.PaymentHash {
		t.Fatalf("payment hash = %s, want %s", cred.PaymentHash, ch.PaymentHash)
	}
	if cred.Provider != "baseline" || cred.MaxTokens != 500 {
		t.Fatalf("credential = %+v", cred)
	}
	if !cred.Session.Paid {
		t.Fatal("session should be marked paid after validation")
	}
}

func TestValidateRejectsWrongPreimage(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	wrong := "00000000000000000000000000000000" + "00000000000000000000000000000000"
	if _, err := svc.Validate(ctx, authFor(ch, wrong)); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestValidateRejectsTamperedMacaroon(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	inv, _ := node.LookupInvoice(ctx, ch.PaymentHash)

	// Re-encode with a caveat rewritten. The wire form is base64 JSON; the
	// signature no longer covers the altered caveat list.
	raw, err := base64.StdEncoding.DecodeString(ch.Macaroon)
	if err != nil {
		t.Fatalf("decode macaroon: %v", err)
	}
	tampered := base64.StdEncoding.EncodeToString(
		[]byte(replaceOnce(string(raw), "max_tokens = 500", "max_tokens = 500000")))

	_, err = svc.Validate(ctx, schemePrefix+tampered+":"+inv.Preimage)
	if err == nil {
		t.Fatal("tampered macaroon accepted")
	}
}

func TestValidateExpiredSession(t *testing.T) {
	svc, _, node, rdb := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	inv, _ := node.LookupInvoice(ctx, ch.PaymentHash)

	past := time.Now().Add(-time.Minute).Unix()
	if err := rdb.HSet(ctx, sessionKey(ch.PaymentHash), "expires_at", past).Err(); err != nil {
		t.Fatalf("force expiry: %v", err)
	}

	if _, err := svc.Validate(ctx, authFor(ch, inv.Preimage)); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	svc, _, node, rdb := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	inv, _ := node.LookupInvoice(ctx, ch.PaymentHash)
	rdb.Del(ctx, sessionKey(ch.PaymentHash))

	if _, err := svc.Validate(ctx, authFor(ch, inv.Preimage)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestValidateRejectsConsumedSession(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	inv, _ := node.LookupInvoice(ctx, ch.PaymentHash)
	auth := authFor(ch, inv.Preimage)

	if _, err := svc.Validate(ctx, auth); err != nil {
		t.Fatalf("first Validate: %v", err)
	}
	if _, err := svc.RecordUsage(ctx, ch.PaymentHash, "req-1", "baseline", 500); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	// The credential is spent; a fresh request ID does not revive it.
	if _, err := svc.Validate(ctx, auth); !errors.Is(err, ErrSessionConsumed) {
		t.Fatalf("err = %v, want ErrSessionConsumed", err)
	}
}

func TestValidateConcurrent(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	inv, _ := node.LookupInvoice(ctx, ch.PaymentHash)
	auth := authFor(ch, inv.Preimage)

	const n = 16
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Validate(ctx, auth); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Validate: %v", err)
	}
}

func TestRecordUsageIdempotent(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	sats, err := svc.RecordUsage(ctx, ch.PaymentHash, "req-1", "baseline", 400)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if sats != 4 {
		t.Fatalf("sats = %d, want 4", sats)
	}

	// Retry with the same request ID records nothing new.
	sats, err = svc.RecordUsage(ctx, ch.PaymentHash, "req-1", "baseline", 400)
	if err != nil {
		t.Fatalf("RecordUsage retry: %v", err)
	}
	if sats != 0 {
		t.Fatalf("retry sats = %d, want 0", sats)
	}

	total, err := store.TotalStats(ctx)
	if err != nil {
		t.Fatalf("TotalStats: %v", err)
	}
	if total.Requests != 1 || total.Tokens != 400 || total.Sats != 4 {
		t.Fatalf("total = %+v, want 1 request / 400 tokens / 4 sats", total)
	}

	sess, err := store.GetSession(ctx, ch.PaymentHash)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.Used || sess.TokensUsed != 400 {
		t.Fatalf("session = %+v, want used with 400 tokens", sess)
	}
}

func TestPrepaidLifecycle(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.CreatePrepaidSession(ctx, "baseline", 1000, time.Hour)
	if err != nil {
		t.Fatalf("CreatePrepaidSession: %v", err)
	}
	if p.AmountSats != 10 {
		t.Fatalf("amount = %d, want 10", p.AmountSats)
	}

	if _, err := svc.UsePrepaidTokens(ctx, p.ID, 100); !errors.Is(err, ErrNotPaid) {
		t.Fatalf("unpaid draw err = %v, want ErrNotPaid", err)
	}

	if err := svc.SettlePrepaid(ctx, p.ID); err != nil {
		t.Fatalf("SettlePrepaid: %v", err)
	}

	remaining, err := svc.UsePrepaidTokens(ctx, p.ID, 600)
	if err != nil {
		t.Fatalf("UsePrepaidTokens: %v", err)
	}
	if remaining != 400 {
		t.Fatalf("remaining = %d, want 400", remaining)
	}

	// Overdraw leaves the budget untouched.
	if _, err := svc.UsePrepaidTokens(ctx, p.ID, 500); !errors.Is(err, ErrInsufficientBudget) {
		t.Fatalf("overdraw err = %v, want ErrInsufficientBudget", err)
	}
	got, err := svc.UsePrepaidTokens(ctx, p.ID, 400)
	if err != nil {
		t.Fatalf("final draw: %v", err)
	}
	if got != 0 {
		t.Fatalf("remaining after final draw = %d, want 0", got)
	}
}

func TestPrepaidUnknownSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.UsePrepaidTokens(context.Background(), "missing", 10); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestParseAuthHeader(t *testing.T) {
	cases := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", "L402 abcdef:0011", true},
		{"missing scheme", "Bearer abcdef", false},
		{"no separator", "L402 abcdef", false},
		{"empty preimage", "L402 abcdef:", false},
		{"empty macaroon", "L402 :0011", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parseAuthHeader(tc.header)
			if tc.ok && err != nil {
				t.Fatalf("parse %q: %v", tc.header, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("parse %q succeeded, want error", tc.header)
			}
		})
	}
}

func replaceOnce(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}

func TestSnapshot(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ch, err := svc.CreateChallenge(ctx, "baseline", 500)
		if err != nil {
			t.Fatalf("CreateChallenge: %v", err)
		}
		if _, err := svc.RecordUsage(ctx, ch.PaymentHash, "req-"+strconv.Itoa(i), "baseline", 100); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	snap, err := store.Snapshot(ctx, []string{"baseline", "premium"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Total.Requests != 3 || snap.Total.Tokens != 300 {
		t.Fatalf("total = %+v, want 3 requests / 300 tokens", snap.Total)
	}
	if snap.Providers["baseline"].Requests != 3 {
		t.Fatalf("baseline = %+v, want 3 requests", snap.Providers["baseline"])
	}
	if snap.Providers["premium"].Requests != 0 {
		t.Fatalf("premium = %+v, want zeroes", snap.Providers["premium"])
	}
	if snap.ActiveSessions != 3 {
		t.Fatalf("active sessions = %d, want 3", snap.ActiveSessions)
	}
}
