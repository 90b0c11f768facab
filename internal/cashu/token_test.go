package cashu

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

var tokenProofs = Proofs{
	{Amount: 64, Id: "009a1f293253e41e", Secret: "s-one", C: "02aabb"},
	{Amount: 8, Id: "009a1f293253e41e", Secret: "s-two", C: "02ccdd"},
}

func TestSerializeToken_WireFormat(t *testing.T) {
	token, err := SerializeToken("https://mint.example.com", tokenProofs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(token, "cashuA") {
		t.Fatalf("missing cashuA prefix: %q", token[:10])
	}

	// Payload is standard base64 of the JSON envelope.
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, "cashuA"))
	if err != nil {
		t.Fatalf("payload is not standard base64: %v", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if _, ok := envelope["token"]; !ok {
		t.Fatal("envelope missing token field")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := SerializeToken("https://mint.example.com", tokenProofs)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := DeserializeToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Mint != "https://mint.example.com" {
		t.Errorf("mint: %q", entry.Mint)
	}
	if !reflect.DeepEqual(entry.Proofs, tokenProofs) {
		t.Errorf("proofs: got %+v want %+v", entry.Proofs, tokenProofs)
	}
}

func TestDeserializeToken_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"wrong prefix":    "cashuB" + base64.StdEncoding.EncodeToString([]byte(`{"token":[]}`)),
		"no prefix":       base64.StdEncoding.EncodeToString([]byte(`{"token":[{"mint":"m","proofs":[]}]}`)),
		"bad base64":      "cashuA!!!not-base64!!!",
		"not json":        "cashuA" + base64.StdEncoding.EncodeToString([]byte("plain text")),
		"empty envelope":  "cashuA" + base64.StdEncoding.EncodeToString([]byte(`{"token":[]}`)),
		"missing field":   "cashuA" + base64.StdEncoding.EncodeToString([]byte(`{}`)),
	}
	for name, input := range cases {
		if _, err := DeserializeToken(input); !errors.Is(err, ErrInvalidTokenFormat) {
			t.Errorf("%s: expected ErrInvalidTokenFormat, got %v", name, err)
		}
	}
}
