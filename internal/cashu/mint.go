package cashu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MintClient is the wallet's view of a Cashu mint. Implementations speak the
// bolt11 quote/issue/melt/swap/checkstate endpoints.
type MintClient interface {
	ActiveKeyset(ctx context.Context) (*Keyset, error)
	MintQuote(ctx context.Context, amount uint64) (*MintQuote, error)
	Mint(ctx context.Context, quote string, outputs BlindedMessages) (BlindedSignatures, error)
	MeltQuote(ctx context.Context, invoiceRequest string) (*MeltQuote, error)
	Melt(ctx context.Context, quote string, inputs Proofs) (*MeltQuote, error)
	Swap(ctx context.Context, inputs Proofs, outputs BlindedMessages) (BlindedSignatures, error)
	CheckState(ctx context.Context, ys []string) ([]ProofState, error)
}

// HTTPMintClient talks to a real mint over its REST API.
type HTTPMintClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPMintClient(baseURL string) *HTTPMintClient {
	return &HTTPMintClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the mint endpoint this client is bound to.
func (c *HTTPMintClient) BaseURL() string { return c.baseURL }

func (c *HTTPMintClient) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMintUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrMintUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mint %s: status %d: %s", path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("mint %s: decode: %w", path, err)
		}
	}
	return nil
}

func (c *HTTPMintClient) ActiveKeyset(ctx context.Context) (*Keyset, error) {
	var out struct {
		Keysets []Keyset `json:"keysets"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/keysets", nil, &out); err != nil {
		return nil, err
	}
	for _, ks := range out.Keysets {
		if ks.Active {
			return &ks, nil
		}
	}
	return nil, fmt.Errorf("mint has no active keyset")
}

func (c *HTTPMintClient) MintQuote(ctx context.Context, amount uint64) (*MintQuote, error) {
	var out MintQuote
	err := c.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11",
		map[string]any{"amount": amount, "unit": "sat"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPMintClient) Mint(ctx context.Context, quote string, outputs BlindedMessages) (BlindedSignatures, error) {
	var out struct {
		Signatures BlindedSignatures `json:"signatures"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/mint/bolt11",
		map[string]any{"quote": quote, "outputs": outputs}, &out)
	if err != nil {
		return nil, err
	}
	return out.Signatures, nil
}

func (c *HTTPMintClient) MeltQuote(ctx context.Context, invoiceRequest string) (*MeltQuote, error) {
	var out MeltQuote
	err := c.do(ctx, http.MethodPost, "/v1/melt/quote/bolt11",
		map[string]any{"request": invoiceRequest, "unit": "sat"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPMintClient) Melt(ctx context.Context, quote string, inputs Proofs) (*MeltQuote, error) {
	var out MeltQuote
	err := c.do(ctx, http.MethodPost, "/v1/melt/bolt11",
		map[string]any{"quote": quote, "inputs": inputs}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPMintClient) Swap(ctx context.Context, inputs Proofs, outputs BlindedMessages) (BlindedSignatures, error) {
	var out struct {
		Signatures BlindedSignatures `json:"signatures"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/swap",
		map[string]any{"inputs": inputs, "outputs": outputs}, &out)
	if err != nil {
		return nil, err
	}
	return out.Signatures, nil
}

func (c *HTTPMintClient) CheckState(ctx context.Context, ys []string) ([]ProofState, error) {
	var out struct {
		States []ProofState `json:"states"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/checkstate", map[string]any{"Ys": ys}, &out); err != nil {
		return nil, err
	}
	return out.States, nil
}
