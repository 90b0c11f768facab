// Package macaroon implements the capability tokens that back L402
// credentials: an identifier plus an append-only list of caveats, integrity
// protected by a chained HMAC-SHA256 signature.
//
// The chain works like the classic macaroon construction: the root signature
// is HMAC(rootKey, identifier) and every appended caveat re-keys the chain
// with the previous signature. Caveats can therefore never be removed,
// reordered or forged by a holder, but a holder may attenuate further since
// the next HMAC key is the disclosed current signature.
package macaroon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const caveatSeparator = " = "

var (
	ErrSignatureMismatch = errors.New("Signature mismatch")
	ErrMalformed         = errors.New("malformed macaroon")
)

// Macaroon is immutable after construction; WithCaveat returns a copy.
type Macaroon struct {
	Location   string   `json:"location"`
	Identifier string   `json:"identifier"`
	Caveats    []string `json:"caveats"`
	Signature  string   `json:"signature"` // hex
}

// Identifier is the JSON payload embedded (base64) in Macaroon.Identifier.
type Identifier struct {
	Version     int    `json:"version"`
	PaymentHash string `json:"payment_hash"`
	Timestamp   int64  `json:"timestamp"`
}

// Verifier checks one caveat value, e.g. that "expires = T" is in the future.
// Returning an error fails verification.
type Verifier func(value string) error

// New mints a macaroon with no caveats. signature = HMAC(rootKey, identifier).
func New(location, identifier string, rootKey []byte) *Macaroon {
	return &Macaroon{
		Location:   location,
		Identifier: identifier,
		Caveats:    []string{},
		Signature:  hex.EncodeToString(chain(rootKey, identifier)),
	}
}

// NewWithIdentifier marshals id into the base64 identifier form used on the
// wire and mints a macaroon from it.
func NewWithIdentifier(location string, id Identifier, rootKey []byte) (*Macaroon, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal identifier: %w", err)
	}
	return New(location, base64.StdEncoding.EncodeToString(raw), rootKey), nil
}

// WithCaveat returns a new macaroon with the caveat appended and the
// signature re-derived. The receiver is never mutated.
func (m *Macaroon) WithCaveat(caveat string) *Macaroon {
	sig, _ := hex.DecodeString(m.Signature)
	caveats := make([]string, len(m.Caveats), len(m.Caveats)+1)
	copy(caveats, m.Caveats)
	return &Macaroon{
		Location:   m.Location,
		Identifier: m.Identifier,
		Caveats:    append(caveats, caveat),
		Signature:  hex.EncodeToString(chain(sig, caveat)),
	}
}

// Caveat formats a "key = value" restriction string.
func Caveat(key, value string) string {
	return key + caveatSeparator + value
}

// ExpiresCaveat builds the standard expiry caveat.
func ExpiresCaveat(t time.Time) string {
	return Caveat("expires", t.UTC().Format(time.RFC3339))
}

// VerifyExpires returns a Verifier that rejects expiry caveats at or before
// now. Pair it with ExpiresCaveat under the "expires" key.
func VerifyExpires(now time.Time) Verifier {
	return func(value string) error {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("malformed expires value %q", value)
		}
		if !now.Before(t) {
			return errors.New("credential expired")
		}
		return nil
	}
}

// Verify replays the full caveat chain from rootKey. Each caveat of the form
// "key = value" is first checked against verifiers[key] if present, then
// folded into the running signature. The recomputed signature must equal the
// stored one byte-for-byte.
func (m *Macaroon) Verify(rootKey []byte, verifiers map[string]Verifier) error {
	sig := chain(rootKey, m.Identifier)
	for _, caveat := range m.Caveats {
		if key, value, ok := strings.Cut(caveat, caveatSeparator); ok {
			if check, found := verifiers[key]; found {
				if err := check(value); err != nil {
					return fmt.Errorf("caveat %q: %w", key, err)
				}
			}
		}
		sig = chain(sig, caveat)
	}
	stored, err := hex.DecodeString(m.Signature)
	if err != nil {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(sig, stored) {
		return ErrSignatureMismatch
	}
	return nil
}

// DecodeIdentifier parses the base64 JSON identifier payload.
func (m *Macaroon) DecodeIdentifier() (*Identifier, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: identifier encoding", ErrMalformed)
	}
	var id Identifier
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("%w: identifier payload", ErrMalformed)
	}
	return &id, nil
}

// Encode serializes the macaroon to its wire form:
// base64(JSON{location, identifier, caveats, signature}).
func (m *Macaroon) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal macaroon: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode is the inverse of Encode.
func Decode(s string) (*Macaroon, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64", ErrMalformed)
	}
	var m Macaroon
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: json", ErrMalformed)
	}
	if m.Identifier == "" || m.Signature == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformed)
	}
	return &m, nil
}

func chain(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
