// Package signer holds the agent's secp256k1 key and signs session payloads
// with EIP-191 personal messages, the scheme wallets and servers use to
// recover the signing address.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/up2itnow0822/clawpay-mcp/sessiontoken"
	"golang.org/x/crypto/sha3"
)

var _ sessiontoken.Signer = (*Local)(nil)

var (
	ErrInvalidKey       = errors.New("invalid private key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Local signs with an in-process private key. The key never leaves the value.
type Local struct {
	key     *btcec.PrivateKey
	address string
}

// NewLocal parses a hex private key, with or without a 0x prefix.
func NewLocal(hexKey string) (*Local, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	key, pub := btcec.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidKey)
	}
	return &Local{key: key, address: PubkeyToAddress(pub)}, nil
}

// Address is the EIP-55 checksummed address of the key.
func (l *Local) Address() string { return l.address }

// Sign returns 0x-prefixed hex r||s||v over the EIP-191 hash of message,
// with v in {27, 28}.
func (l *Local) Sign(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	compact, err := ecdsa.SignCompact(l.key, HashMessage(message), false)
	if err != nil {
		return "", fmt.Errorf("signing message: %w", err)
	}
	// compact is v||r||s
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig), nil
}

// HashMessage is keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func HashMessage(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))))
	h.Write([]byte(message))
	return h.Sum(nil)
}

// RecoverAddress returns the checksummed address that produced sig over
// message. sig is hex r||s||v as produced by Sign.
func RecoverAddress(message, sig string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil || len(raw) != 65 {
		return "", ErrInvalidSignature
	}
	v := raw[64]
	if v < 27 {
		v += 27
	}
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], raw[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, HashMessage(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return PubkeyToAddress(pub), nil
}

// PubkeyToAddress derives the EIP-55 address of pub.
func PubkeyToAddress(pub *btcec.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return checksum(h.Sum(nil)[12:])
}

func checksum(addr []byte) string {
	lower := hex.EncodeToString(addr)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)
	out := []byte(lower)
	for i := range out {
		if out[i] < 'a' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] -= 'a' - 'A'
		}
	}
	return "0x" + string(out)
}
