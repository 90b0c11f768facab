package l402

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// DefaultMaxTokens is granted when the request names no budget.
	DefaultMaxTokens = 1000

	// CredentialKey is where the middleware stores the validated credential
	// in the gin context.
	CredentialKey = "l402_credential"
)

// challengeParams are the fields the middleware peeks from a chat request
// body to price the challenge. The body is restored for downstream handlers.
type challengeParams struct {
	Provider  string `json:"provider"`
	MaxTokens int    `json:"max_tokens"`
}

// Middleware gates a route behind L402. Requests without a credential get a
// 402 challenge priced for the requested provider and token budget; requests
// with a valid credential proceed with the credential attached to the
// context.
func Middleware(svc *Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			issueChallenge(c, svc, log)
			return
		}

		cred, err := svc.Validate(c.Request.Context(), auth)
		if err != nil {
			switch {
			case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionConsumed):
				issueChallenge(c, svc, log)
			case errors.Is(err, ErrSessionNotFound):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown payment hash"})
			default:
				log.Warn("credential rejected", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			}
			return
		}

		c.Set(CredentialKey, cred)
		c.Next()
	}
}

// CredentialFrom retrieves the credential the middleware attached.
func CredentialFrom(c *gin.Context) (*Credential, bool) {
	v, ok := c.Get(CredentialKey)
	if !ok {
		return nil, false
	}
	cred, ok := v.(*Credential)
	return cred, ok
}

func issueChallenge(c *gin.Context, svc *Service, log *zap.Logger) {
	params := requestParams(c)
	if params.Provider == "" {
		params.Provider = svc.pricing.DefaultProvider()
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = DefaultMaxTokens
	}

	ch, err := svc.CreateChallenge(c.Request.Context(), params.Provider, params.MaxTokens)
	if err != nil {
		if errors.Is(err, ErrUnknownTier) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("challenge creation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "payment backend unavailable"})
		return
	}

	c.Header("WWW-Authenticate",
		fmt.Sprintf("L402 macaroon=%q, invoice=%q", ch.Macaroon, ch.Invoice))
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":        "payment required",
		"macaroon":     ch.Macaroon,
		"invoice":      ch.Invoice,
		"payment_hash": ch.PaymentHash,
		"amount_sats":  ch.AmountSats,
		"expires_at":   ch.ExpiresAt,
	})
}

// requestParams reads provider and max_tokens from the query string, falling
// back to the JSON body. The body is replaced so the handler can read it.
func requestParams(c *gin.Context) challengeParams {
	params := challengeParams{Provider: c.Query("provider")}
	if n, err := strconv.Atoi(c.Query("max_tokens")); err == nil {
		params.MaxTokens = n
	}
	if params.Provider != "" && params.MaxTokens > 0 {
		return params
	}

	if c.Request.Body == nil {
		return params
	}
	raw, err := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return params
	}

	var body challengeParams
	if json.Unmarshal(raw, &body) == nil {
		if params.Provider == "" {
			params.Provider = body.Provider
		}
		if params.MaxTokens <= 0 {
			params.MaxTokens = body.MaxTokens
		}
	}
	return params
}
