// Package api wires the HTTP surface: payment-gated chat, wallet
// operations, provider discovery and revenue stats.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agreatopportunity/LNCA/internal/cashu"
	"github.com/agreatopportunity/LNCA/internal/l402"
	"github.com/agreatopportunity/LNCA/internal/lightning"
	"github.com/agreatopportunity/LNCA/internal/provider"
	"github.com/agreatopportunity/LNCA/internal/relay"
	"github.com/agreatopportunity/LNCA/internal/usage"
)

// Handler carries every backend the HTTP layer talks to. Ledger and nostr
// are optional; nil disables the durable ledger and receipt broadcasting.
type Handler struct {
	log      *zap.Logger
	router   *provider.Router
	svc      *l402.Service
	store    *l402.Store
	pricing  *l402.Pricing
	wallet   *cashu.Wallet
	node     lightning.Invoicer
	notifier *lightning.Notifier
	ledger   *usage.Store
	receipts *relay.Registry
	nostr    *relay.Client
}

type Config struct {
	Log      *zap.Logger
	Router   *provider.Router
	Service  *l402.Service
	Store    *l402.Store
	Pricing  *l402.Pricing
	Wallet   *cashu.Wallet
	Node     lightning.Invoicer
	Notifier *lightning.Notifier
	Ledger   *usage.Store
	Receipts *relay.Registry
	Nostr    *relay.Client
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		log:      cfg.Log,
		router:   cfg.Router,
		svc:      cfg.Service,
		store:    cfg.Store,
		pricing:  cfg.Pricing,
		wallet:   cfg.Wallet,
		node:     cfg.Node,
		notifier: cfg.Notifier,
		ledger:   cfg.Ledger,
		receipts: cfg.Receipts,
		nostr:    cfg.Nostr,
	}
}

// Register mounts every route on the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	{
		v1.POST("/chat", l402.Middleware(h.svc, h.log), h.chat)
		v1.GET("/providers", h.providers)
		v1.GET("/stats", h.stats)
		v1.POST("/sessions", h.createSession)
		v1.POST("/sessions/:id/settle", h.settleSession)
		v1.POST("/sessions/:id/chat", h.sessionChat)
	}

	wallet := r.Group("/api/cashu")
	{
		wallet.GET("/balance", h.walletBalance)
		wallet.POST("/mint/quote", h.mintQuote)
		wallet.POST("/mint", h.mint)
		wallet.POST("/melt/quote", h.meltQuote)
		wallet.POST("/melt", h.melt)
		wallet.POST("/send", h.send)
		wallet.POST("/receive", h.receive)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}

// ── Chat ─────────────────────────────────────────────────────────────────────

type chatRequest struct {
	Provider    string             `json:"provider"`
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
	Messages    []provider.Message `json:"messages"`
}

// charge is the billing summary attached to every metered response.
type charge struct {
	TokensCharged int   `json:"tokens_charged"`
	SatsCharged   int64 `json:"sats_charged"`
}

type chatResponse struct {
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Content      string         `json:"content"`
	Usage        provider.Usage `json:"usage"`
	FinishReason string         `json:"finish_reason"`
	L402         charge         `json:"l402"`
}

func (h *Handler) chat(c *gin.Context) {
	cred, ok := l402.CredentialFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential missing"})
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages required"})
		return
	}

	// The credential pins the provider; the body cannot upgrade it.
	providerName := cred.Provider
	opts := provider.Options{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if opts.MaxTokens <= 0 || opts.MaxTokens > cred.MaxTokens {
		opts.MaxTokens = cred.MaxTokens
	}

	if req.Stream {
		h.streamChat(c, cred.PaymentHash, providerName, req.Messages, opts)
		return
	}

	resp, err := h.router.Chat(c.Request.Context(), providerName, req.Messages, opts)
	if err != nil {
		h.chatError(c, err)
		return
	}

	tokens, sats := h.meter(c, cred.PaymentHash, providerName, resp.Model, resp.Usage)
	c.JSON(http.StatusOK, chatResponse{
		Provider:     providerName,
		Model:        resp.Model,
		Content:      resp.Content,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
		L402:         charge{TokensCharged: tokens, SatsCharged: sats},
	})
}

func (h *Handler) streamChat(c *gin.Context, paymentHash, providerName string, messages []provider.Message, opts provider.Options) {
	chunks, err := h.router.ChatStream(c.Request.Context(), providerName, messages, opts)
	if err != nil {
		h.chatError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		chunk, open := <-chunks
		if !open {
			return false
		}
		if chunk.Err != nil {
			c.SSEvent("error", gin.H{"error": chunk.Err.Error()})
			return false
		}
		if chunk.Done {
			var finalUsage provider.Usage
			if chunk.Usage != nil {
				finalUsage = *chunk.Usage
			}
			tokens, sats := h.meter(c, paymentHash, providerName, opts.Model, finalUsage)
			c.SSEvent("done", gin.H{
				"usage": finalUsage,
				"l402":  charge{TokensCharged: tokens, SatsCharged: sats},
			})
			return false
		}
		c.SSEvent("message", gin.H{"content": chunk.Content})
		return true
	})
}

// meter records usage in redis, the ledger and the receipt fan-out, and
// returns the tokens and sats charged so the caller can echo them.
func (h *Handler) meter(c *gin.Context, paymentHash, providerName, model string, u provider.Usage) (int, int64) {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}

	sats, err := h.svc.RecordUsage(c.Request.Context(), paymentHash, requestID, providerName, total)
	if err != nil {
		h.log.Error("usage record failed",
			zap.String("payment_hash", paymentHash), zap.Error(err))
		return 0, 0
	}

	if h.ledger != nil {
		err := h.ledger.Record(&usage.Entry{
			PaymentHash:      paymentHash,
			RequestID:        requestID,
			Provider:         providerName,
			Model:            model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			Sats:             sats,
		})
		if err != nil {
			h.log.Error("ledger write failed", zap.Error(err))
		}
	}

	receipt := relay.Receipt{
		PaymentHash: paymentHash,
		Provider:    providerName,
		Tokens:      total,
		Sats:        sats,
		Timestamp:   time.Now().Unix(),
	}
	if h.receipts != nil {
		h.receipts.Publish(receipt)
	}
	if h.nostr != nil {
		if err := h.nostr.PublishReceipt(c.Request.Context(), receipt); err != nil {
			h.log.Warn("receipt broadcast failed", zap.Error(err))
		}
	}
	return total, sats
}

func (h *Handler) chatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, provider.ErrProviderDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, provider.ErrUpstreamUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.log.Error("chat failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
	}
}

// ── Providers and stats ──────────────────────────────────────────────────────

func (h *Handler) providers(c *gin.Context) {
	type providerInfo struct {
		Name     string            `json:"name"`
		Enabled  bool              `json:"enabled"`
		Models   []string          `json:"models"`
		Features provider.Features `json:"features"`
	}

	out := make([]providerInfo, 0)
	for _, name := range h.router.Names() {
		p, err := h.router.Get(name)
		info := providerInfo{Name: name, Enabled: err == nil, Models: []string{}}
		if p != nil {
			info.Features = p.Features()
			if models, err := p.Models(c.Request.Context()); err == nil {
				info.Models = models
			}
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out, "pricing": h.pricing.Tiers()})
}

func (h *Handler) stats(c *gin.Context) {
	snap, err := h.store.Snapshot(c.Request.Context(), h.router.Names())
	if err != nil {
		h.log.Error("stats snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	snap.Pricing = h.pricing.Tiers()
	c.JSON(http.StatusOK, snap)
}

// ── Prepaid sessions ─────────────────────────────────────────────────────────

type createSessionRequest struct {
	Provider    string `json:"provider"`
	TokenBudget int    `json:"token_budget"`
	TTLMinutes  int    `json:"ttl_minutes"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if req.TokenBudget <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_budget required"})
		return
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}

	p, err := h.svc.CreatePrepaidSession(c.Request.Context(), req.Provider, req.TokenBudget, ttl)
	if err != nil {
		if errors.Is(err, l402.ErrUnknownTier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("prepaid session failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment backend unavailable"})
		return
	}
	if h.notifier != nil {
		go h.notifier.Watch(context.Background(), h.node, p.PaymentHash, time.Unix(p.ExpiresAt, 0))
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":   p.ID,
		"invoice":      p.InvoiceRequest,
		"payment_hash": p.PaymentHash,
		"amount_sats":  p.AmountSats,
		"token_budget": p.TokenBudget,
		"expires_at":   p.ExpiresAt,
	})
}

// settleSession checks the node for settlement and marks the session paid.
func (h *Handler) settleSession(c *gin.Context) {
	id := c.Param("id")
	p, err := h.store.GetPrepaidSession(c.Request.Context(), id)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	inv, err := h.node.LookupInvoice(c.Request.Context(), p.PaymentHash)
	if err != nil {
		h.log.Error("invoice lookup failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment backend unavailable"})
		return
	}
	if !inv.Settled {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "invoice not settled", "invoice": p.InvoiceRequest})
		return
	}

	if err := h.svc.SettlePrepaid(c.Request.Context(), id); err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "paid": true})
}

func (h *Handler) sessionChat(c *gin.Context) {
	id := c.Param("id")

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages required"})
		return
	}

	p, err := h.store.GetPrepaidSession(c.Request.Context(), id)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	opts := provider.Options{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	resp, err := h.router.Chat(c.Request.Context(), p.Provider, req.Messages, opts)
	if err != nil {
		h.chatError(c, err)
		return
	}

	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	remaining, err := h.svc.UsePrepaidTokens(c.Request.Context(), id, total)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content":          resp.Content,
		"usage":            resp.Usage,
		"model":            resp.Model,
		"tokens_remaining": remaining,
	})
}

func (h *Handler) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, l402.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, l402.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "session expired"})
	case errors.Is(err, l402.ErrNotPaid):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "session not paid"})
	case errors.Is(err, l402.ErrInsufficientBudget):
		c.JSON(http.StatusBadRequest, gin.H{"error": "token budget exhausted"})
	default:
		h.log.Error("session operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
