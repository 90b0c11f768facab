package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LNDClient talks to an LND node over its REST gateway. The admin macaroon
// is sent hex-encoded in the Grpc-Metadata-Macaroon header, which is how
// LND's REST proxy expects it.
type LNDClient struct {
	baseURL  string
	macaroon string // hex
	http     *http.Client
}

func NewLNDClient(baseURL, macaroonHex string) *LNDClient {
	return &LNDClient{
		baseURL:  baseURL,
		macaroon: macaroonHex,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *LNDClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Grpc-Metadata-Macaroon", c.macaroon)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	return resp, nil
}

type lndInvoiceResponse struct {
	PaymentRequest string `json:"payment_request"`
	RHash          string `json:"r_hash"`
	RPreimage      string `json:"r_preimage"`
	Value          string `json:"value"`
	Expiry         string `json:"expiry"`
	Settled        bool   `json:"settled"`
}

func (c *LNDClient) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySec int64) (*Invoice, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/invoices", map[string]any{
		"memo":   memo,
		"value":  fmt.Sprintf("%d", amountSats),
		"expiry": fmt.Sprintf("%d", expirySec),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnd AddInvoice: status %d", resp.StatusCode)
	}
	var out lndInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("lnd AddInvoice: decode: %w", err)
	}
	return &Invoice{
		PaymentRequest: out.PaymentRequest,
		PaymentHash:    out.RHash,
		Preimage:       out.RPreimage,
		AmountSats:     amountSats,
		ExpirySec:      expirySec,
	}, nil
}

func (c *LNDClient) DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/payreq/"+paymentRequest, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnd DecodeInvoice: status %d", resp.StatusCode)
	}
	var out struct {
		PaymentHash string `json:"payment_hash"`
		NumSatoshis string `json:"num_satoshis"`
		Description string `json:"description"`
		Expiry      string `json:"expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("lnd DecodeInvoice: decode: %w", err)
	}
	var amt, exp int64
	fmt.Sscanf(out.NumSatoshis, "%d", &amt) //nolint:errcheck
	fmt.Sscanf(out.Expiry, "%d", &exp)      //nolint:errcheck
	return &DecodedInvoice{
		PaymentHash: out.PaymentHash,
		AmountSats:  amt,
		Description: out.Description,
		ExpirySec:   exp,
	}, nil
}

func (c *LNDClient) PayInvoice(ctx context.Context, paymentRequest string) (*Payment, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/channels/transactions", map[string]any{
		"payment_request": paymentRequest,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnd PayInvoice: status %d", resp.StatusCode)
	}
	var out struct {
		PaymentError    string `json:"payment_error"`
		PaymentHash     string `json:"payment_hash"`
		PaymentPreimage string `json:"payment_preimage"`
		PaymentRoute    struct {
			TotalFees string `json:"total_fees"`
		} `json:"payment_route"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("lnd PayInvoice: decode: %w", err)
	}
	if out.PaymentError != "" {
		return nil, fmt.Errorf("lnd PayInvoice: %s", out.PaymentError)
	}
	var fee int64
	fmt.Sscanf(out.PaymentRoute.TotalFees, "%d", &fee) //nolint:errcheck
	return &Payment{
		PaymentHash: out.PaymentHash,
		Preimage:    out.PaymentPreimage,
		FeeSats:     fee,
	}, nil
}

func (c *LNDClient) LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/invoice/"+paymentHash, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrInvoiceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnd LookupInvoice: status %d", resp.StatusCode)
	}
	var out lndInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("lnd LookupInvoice: decode: %w", err)
	}
	var amt int64
	fmt.Sscanf(out.Value, "%d", &amt) //nolint:errcheck
	return &Invoice{
		PaymentRequest: out.PaymentRequest,
		PaymentHash:    paymentHash,
		AmountSats:     amt,
		Settled:        out.Settled,
	}, nil
}

// BaseURL returns the configured REST endpoint.
func (c *LNDClient) BaseURL() string { return c.baseURL }
