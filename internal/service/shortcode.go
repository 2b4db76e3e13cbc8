package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Base62 character set for short code generation
const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var base62Len = big.NewInt(int64(len(base62Chars)))

// ExistsFunc reports whether a candidate code is already taken.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// ShortCodeGenerator produces random fixed-length base62 codes.
// It is stateless; uniqueness comes from AllocateUnique and the store.
type ShortCodeGenerator struct {
	codeLength  int
	maxAttempts int
}

// NewShortCodeGenerator creates a new short code generator
func NewShortCodeGenerator(codeLength int, maxAttempts int) *ShortCodeGenerator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ShortCodeGenerator{
		codeLength:  codeLength,
		maxAttempts: maxAttempts,
	}
}

// Generate returns a candidate drawn uniformly from the base62 alphabet.
func (g *ShortCodeGenerator) Generate() (string, error) {
	var b strings.Builder
	b.Grow(g.codeLength)
	for i := 0; i < g.codeLength; i++ {
		n, err := rand.Int(rand.Reader, base62Len)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(base62Chars[n.Int64()])
	}
	return b.String(), nil
}

// AllocateUnique generates candidates until exists reports one as free.
// Running out of attempts means the code space is saturated and returns
// ErrCodeSpaceExhausted.
func (g *ShortCodeGenerator) AllocateUnique(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		candidate, err := g.Generate()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free code after %d attempts", ErrCodeSpaceExhausted, g.maxAttempts)
}

// IsBase62 reports whether s is non-empty and uses only the base62 alphabet.
func IsBase62(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(base62Chars, s[i]) < 0 {
			return false
		}
	}
	return true
}
