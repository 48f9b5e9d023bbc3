package sessiontoken

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func fixedSigner(sig string) Signer {
	return SignerFunc(func(ctx context.Context, message string) (string, error) { return sig, nil })
}

func samplePayload() Payload {
	return Payload{
		CreatedAt:     1700000000,
		Endpoint:      "https://api.example.com/data?q=<&>",
		ExpiresAt:     1700003600,
		PaymentAmount: "1000000000000000000000",
		PaymentTxHash: "0xabc",
		Scope:         "prefix",
		SessionID:     "6f1f9f8e-8a55-4b4e-9d5f-2d3c1d3b8a11",
		Version:       Version,
		WalletAddress: "0x1111111111111111111111111111111111111111",
	}
}

func TestCanonicalKeyOrder(t *testing.T) {
	b, err := Canonical(samplePayload())
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	keys := []string{"createdAt", "endpoint", "expiresAt", "paymentAmount", "paymentTxHash", "scope", "sessionId", "version", "walletAddress"}
	last := -1
	for _, k := range keys {
		i := strings.Index(string(b), `"`+k+`"`)
		if i < 0 || i < last {
			t.Fatalf("key %q out of order in %s", k, b)
		}
		last = i
	}
	if !strings.Contains(string(b), "q=<&>") {
		t.Fatalf("expected unescaped endpoint in %s", b)
	}
	if strings.HasSuffix(string(b), "\n") {
		t.Fatalf("canonical form must not end with a newline")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePayload()
	var signed string
	signer := SignerFunc(func(ctx context.Context, message string) (string, error) {
		signed = message
		return "0xdeadbeef", nil
	})
	tok, sig, err := Encode(context.Background(), signer, p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if sig != "0xdeadbeef" || !strings.HasSuffix(tok, ".0xdeadbeef") {
		t.Fatalf("unexpected token/signature: %q %q", tok, sig)
	}
	canon, _ := Canonical(p)
	if signed != string(canon) {
		t.Fatalf("signer saw %q want %q", signed, canon)
	}
	d, ok := Decode(tok)
	if !ok {
		t.Fatalf("Decode failed for %q", tok)
	}
	if d.Payload != p {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", d.Payload, p)
	}
	if d.Signature != sig {
		t.Fatalf("signature mismatch: %q", d.Signature)
	}
}

func TestDecodeAcceptsPaddedPayload(t *testing.T) {
	canon, _ := Canonical(samplePayload())
	tok := base64.URLEncoding.EncodeToString(canon) + ".sig"
	if _, ok := Decode(tok); !ok {
		t.Fatalf("padded payload rejected")
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, tok := range []string{"", "nodot", ".sig", "!!!.sig", base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".sig"} {
		if d, ok := Decode(tok); ok || d != nil {
			t.Fatalf("Decode(%q) = %+v, %v; want nil, false", tok, d, ok)
		}
	}
}

func TestEncodeSignerFailure(t *testing.T) {
	boom := errors.New("hsm offline")
	_, _, err := Encode(context.Background(), SignerFunc(func(context.Context, string) (string, error) { return "", boom }), samplePayload())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped signer error, got %v", err)
	}
	_, _, err = Encode(context.Background(), fixedSigner(""), samplePayload())
	if !errors.Is(err, ErrEmptySignature) {
		t.Fatalf("expected ErrEmptySignature, got %v", err)
	}
}
