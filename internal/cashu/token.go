package cashu

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// tokenPrefix is the version-A serialization marker. The payload is standard
// (not URL-safe) base64 of the UTF-8 JSON envelope.
const tokenPrefix = "cashuA"

// Token is the portable envelope for transferring proofs between wallets.
type Token struct {
	Token []TokenEntry `json:"token"`
}

type TokenEntry struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

// SerializeToken packs proofs from a single mint into the cashuA wire form.
func SerializeToken(mintURL string, proofs Proofs) (string, error) {
	raw, err := json.Marshal(Token{Token: []TokenEntry{{Mint: mintURL, Proofs: proofs}}})
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	return tokenPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// DeserializeToken is the exact inverse of SerializeToken. It rejects any
// string without the cashuA prefix or whose envelope lacks a first entry.
func DeserializeToken(s string) (*TokenEntry, error) {
	if !strings.HasPrefix(s, tokenPrefix) {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidTokenFormat, tokenPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, tokenPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: base64", ErrInvalidTokenFormat)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("%w: json", ErrInvalidTokenFormat)
	}
	if len(tok.Token) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrInvalidTokenFormat)
	}
	return &tok.Token[0], nil
}
