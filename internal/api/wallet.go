package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agreatopportunity/LNCA/internal/cashu"
)

// ── Wallet endpoints ─────────────────────────────────────────────────────────

func (h *Handler) walletBalance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"balance": h.wallet.Balance(),
		"mint":    h.wallet.MintURL(),
	})
}

type mintQuoteRequest struct {
	Amount uint64 `json:"amount"`
}

func (h *Handler) mintQuote(c *gin.Context) {
	var req mintQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount required"})
		return
	}
	quote, err := h.wallet.RequestMintQuote(c.Request.Context(), req.Amount)
	if err != nil {
		h.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type mintRequest struct {
	Quote  string `json:"quote"`
	Amount uint64 `json:"amount"`
}

func (h *Handler) mint(c *gin.Context) {
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Quote == "" || req.Amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quote and amount required"})
		return
	}
	proofs, err := h.wallet.MintTokens(c.Request.Context(), req.Quote, req.Amount)
	if err != nil {
		h.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"minted":  proofs.Amount(),
		"balance": h.wallet.Balance(),
	})
}

type meltQuoteRequest struct {
	Invoice string `json:"invoice"`
}

func (h *Handler) meltQuote(c *gin.Context) {
	var req meltQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Invoice == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invoice required"})
		return
	}
	quote, err := h.wallet.RequestMeltQuote(c.Request.Context(), req.Invoice)
	if err != nil {
		h.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type meltRequest struct {
	Quote  string `json:"quote"`
	Amount uint64 `json:"amount"`
}

func (h *Handler) melt(c *gin.Context) {
	var req meltRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Quote == "" || req.Amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quote and amount required"})
		return
	}
	quote, err := h.wallet.MeltTokens(c.Request.Context(), req.Quote, req.Amount)
	if err != nil {
		h.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   quote.State,
		"balance": h.wallet.Balance(),
	})
}

type sendRequest struct {
	Amount uint64 `json:"amount"`
}

func (h *Handler) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount required"})
		return
	}
	token, err := h.wallet.Send(c.Request.Context(), req.Amount)
	if err != nil {
		h.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"amount":  req.Amount,
		"balance": h.wallet.Balance(),
	})
}

type receiveRequest struct {
	Token string `json:"token"`
}

func (h *Handler) receive(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	amount, _, err := h.wallet.Receive(c.Request.Context(), req.Token)
	if err != nil {
		h.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount":  amount,
		"balance": h.wallet.Balance(),
	})
}

func (h *Handler) walletError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cashu.ErrInsufficientBalance):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, cashu.ErrInvalidTokenFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, cashu.ErrMintMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, cashu.ErrMintUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.log.Error("wallet operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet operation failed"})
	}
}
