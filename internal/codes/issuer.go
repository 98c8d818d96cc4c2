package codes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// MaxAttempts bounds minting for each scheme
const MaxAttempts = 10

// ErrCodeGenerationExhausted is returned when both the standard and the
// fallback scheme collided MaxAttempts times. Callers must fail the request.
var ErrCodeGenerationExhausted = errors.New("code generation exhausted")

// Registry answers whether a code is already issued
type Registry interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// Issuer mints codes that are unique against a registry
type Issuer struct {
	format      *Format
	random      io.Reader
	maxAttempts int
}

// IssuerOption configures an Issuer
type IssuerOption func(*Issuer)

// WithRandom replaces crypto/rand. Only tests should use this.
func WithRandom(r io.Reader) IssuerOption {
	return func(i *Issuer) {
		i.random = r
	}
}

// NewIssuer creates an issuer for the given prefix
func NewIssuer(prefix string, opts ...IssuerOption) (*Issuer, error) {
	format, err := NewFormat(prefix)
	if err != nil {
		return nil, err
	}
	issuer := &Issuer{
		format:      format,
		random:      rand.Reader,
		maxAttempts: MaxAttempts,
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer, nil
}

// Format returns the validator matching minted codes
func (i *Issuer) Format() *Format {
	return i.format
}

// Generate builds one code with the given number of data groups. It does not
// consult a registry.
func (i *Issuer) Generate(groups int) (string, error) {
	data := make([]string, groups)
	for g := range data {
		group, err := i.randomGroup()
		if err != nil {
			return "", err
		}
		data[g] = group
	}
	return i.format.Assemble(data...), nil
}

// MintUnique returns a code not present in the registry. After MaxAttempts
// standard collisions it switches to the longer fallback scheme; if that also
// collides MaxAttempts times it returns ErrCodeGenerationExhausted.
func (i *Issuer) MintUnique(ctx context.Context, registry Registry) (string, error) {
	for _, groups := range []int{StandardGroups, FallbackGroups} {
		for attempt := 0; attempt < i.maxAttempts; attempt++ {
			code, err := i.Generate(groups)
			if err != nil {
				return "", err
			}
			exists, err := registry.CodeExists(ctx, code)
			if err != nil {
				return "", fmt.Errorf("failed to check code registry: %w", err)
			}
			if !exists {
				return code, nil
			}
		}
	}
	return "", ErrCodeGenerationExhausted
}

// randomGroup draws GroupLength symbols. 32 divides 256, so masking a random
// byte to 5 bits is unbiased.
func (i *Issuer) randomGroup() (string, error) {
	buf := make([]byte, GroupLength)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for n, b := range buf {
		buf[n] = Alphabet[b&31]
	}
	return string(buf), nil
}
