// Package sessiontoken builds and parses the signed credential a paid
// session presents to remote servers.
//
// A token has the form
//
//	<base64url(canonical JSON payload)>.<signature>
//
// where the canonical payload is the JSON object with its keys in
// lexicographic order, and the signature is produced over that exact JSON
// string by an injected Signer. The package never handles key material.
package sessiontoken

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Version is the payload protocol version embedded in every token.
const Version = "1"

// ErrEmptySignature is returned by Encode when the signer produces nothing.
var ErrEmptySignature = errors.New("signer returned an empty signature")

// Signer signs an exact message string with the agent's key.
type Signer interface {
	Sign(ctx context.Context, message string) (string, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, message string) (string, error)

func (f SignerFunc) Sign(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

// Payload is the claim set covered by the signature. Field order matches
// the lexicographic key order of the canonical encoding.
type Payload struct {
	CreatedAt     int64  `json:"createdAt"`
	Endpoint      string `json:"endpoint"`
	ExpiresAt     int64  `json:"expiresAt"`
	PaymentAmount string `json:"paymentAmount"`
	PaymentTxHash string `json:"paymentTxHash"`
	Scope         string `json:"scope"`
	SessionID     string `json:"sessionId"`
	Version       string `json:"version"`
	WalletAddress string `json:"walletAddress"`
}

// Decoded is the result of parsing a token for display.
type Decoded struct {
	Payload   Payload
	Signature string
}

// Canonical returns the exact bytes that Encode signs.
func Canonical(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encode signs p and returns the token together with the raw signature.
func Encode(ctx context.Context, signer Signer, p Payload) (token string, signature string, err error) {
	if signer == nil {
		return "", "", errors.New("signer is required")
	}
	canon, err := Canonical(p)
	if err != nil {
		return "", "", err
	}
	sig, err := signer.Sign(ctx, string(canon))
	if err != nil {
		return "", "", fmt.Errorf("signing session payload: %w", err)
	}
	if sig == "" {
		return "", "", ErrEmptySignature
	}
	return base64.RawURLEncoding.EncodeToString(canon) + "." + sig, sig, nil
}

// Decode parses a token without verifying it. It reports false for any
// malformed input. The result is for display only.
func Decode(token string) (*Decoded, bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 {
		return nil, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token[:i], "="))
	if err != nil {
		return nil, false
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return &Decoded{Payload: p, Signature: token[i+1:]}, true
}
