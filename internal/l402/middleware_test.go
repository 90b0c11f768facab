package l402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service, *testBackend) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _, _, _ := newTestService(t)
	backend := &testBackend{}

	r := gin.New()
	r.POST("/v1/chat", Middleware(svc, zap.NewNop()), func(c *gin.Context) {
		cred, ok := CredentialFrom(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "credential missing"})
			return
		}
		backend.lastCredential = cred
		c.JSON(http.StatusOK, gin.H{"provider": cred.Provider})
	})
	return r, svc, backend
}

type testBackend struct {
	lastCredential *Credential
}

func TestMiddlewareIssuesChallenge(t *testing.T) {
	r, _, _ := newTestRouter(t)

	body := `{"provider":"premium","max_tokens":2000,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "L402 macaroon=") {
		t.Fatalf("WWW-Authenticate = %q", got)
	}

	var ch Challenge
	if err := json.Unmarshal(w.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ch.Macaroon == "" || ch.Invoice == "" || ch.PaymentHash == "" {
		t.Fatalf("incomplete challenge: %+v", ch)
	}
	// 2000 tokens at 0.1 sat/token.
	if ch.AmountSats != 200 {
		t.Fatalf("amount = %d, want 200", ch.AmountSats)
	}
}

func TestMiddlewareDefaults(t *testing.T) {
	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var ch Challenge
	if err := json.Unmarshal(w.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	// Defaults: baseline tier, 1000 tokens at 0.01 sat/token, floor 10.
	if ch.AmountSats != 10 {
		t.Fatalf("amount = %d, want 10", ch.AmountSats)
	}
}

func TestMiddlewareAdmitsValidCredential(t *testing.T) {
	r, svc, backend := newTestRouter(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, "baseline", 500)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	sess, err := svc.store.GetSession(ctx, ch.PaymentHash)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Authorization", schemePrefix+ch.Macaroon+":"+sess.Preimage)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if backend.lastCredential == nil || backend.lastCredential.PaymentHash != ch.PaymentHash {
		t.Fatalf("credential not attached: %+v", backend.lastCredential)
	}
}

func TestMiddlewareRejectsGarbageCredential(t *testing.T) {
	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "L402 notamacaroon:deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareQueryParamsWin(t *testing.T) {
	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat?provider=premium&max_tokens=1000",
		strings.NewReader(`{"provider":"baseline","max_tokens":50}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var ch Challenge
	if err := json.Unmarshal(w.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	// premium: 1000 tokens at 0.1 sat/token.
	if ch.AmountSats != 100 {
		t.Fatalf("amount = %d, want 100", ch.AmountSats)
	}
}
