// Package idgen provides cryptographically random reference generation.
package idgen

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// ErrPublicIDExhausted is returned when no free public id was found within
// the allowed number of attempts.
var ErrPublicIDExhausted = errors.New("unable to allocate unique public id")

// refBytes is the number of random bytes in transaction and escrow references.
const refBytes = 6

// publicIDAlphabet is the character set of short public user ids.
const publicIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// PublicIDLength is the length of a public user id.
const PublicIDLength = 4

// DefaultPublicIDAttempts bounds AllocatePublicID retries.
const DefaultPublicIDAttempts = 20

// TransactionRef returns a new transaction reference ("txn_" + 12 hex chars).
func TransactionRef() string {
	return WithPrefix("txn_", refBytes)
}

// EscrowRef returns a new escrow reference for the given type prefix
// (e.g. "ses" yields "ses_9f86d081884c").
func EscrowRef(prefix string) string {
	if prefix == "" {
		prefix = "esc"
	}
	return WithPrefix(prefix+"_", refBytes)
}

// WithPrefix generates a random id with a prefix followed by 2*numBytes hex chars.
func WithPrefix(prefix string, numBytes int) string {
	return prefix + Hex(numBytes)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// PublicID returns a random 4-character uppercase alphanumeric id. It carries
// no collision resistance on its own; use AllocatePublicID.
func PublicID() string {
	max := big.NewInt(int64(len(publicIDAlphabet)))
	out := make([]byte, PublicIDLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = publicIDAlphabet[n.Int64()]
	}
	return string(out)
}

// TakenFunc reports whether a candidate public id is already in use.
type TakenFunc func(ctx context.Context, candidate string) (bool, error)

// AllocatePublicID draws candidates until one is free, trying at most
// maxAttempts times.
func AllocatePublicID(ctx context.Context, taken TakenFunc, maxAttempts int) (string, error) {
	return allocate(ctx, taken, maxAttempts, PublicID)
}

func allocate(ctx context.Context, taken TakenFunc, maxAttempts int, next func() string) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultPublicIDAttempts
	}
	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate := next()
		inUse, err := taken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check public id %q: %w", candidate, err)
		}
		if !inUse {
			return candidate, nil
		}
	}
	return "", ErrPublicIDExhausted
}
