package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	DefaultCodeLen = 6

	minCodeLen = 4
	maxCodeLen = 10
)

// Generator generates fixed length numeric codes.
type Generator struct {
	length int
	max    *big.Int
}

// NewGenerator returns a Generator for codes of the given length.
// Lengths outside 4-10 fall back to DefaultCodeLen.
func NewGenerator(length int) *Generator {
	if length < minCodeLen || length > maxCodeLen {
		length = DefaultCodeLen
	}

	return &Generator{
		length: length,
		max:    new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil),
	}
}

// Len returns the length of generated codes.
func (g *Generator) Len() int {
	return g.length
}

// Generate returns a cryptographically random code, uniformly distributed
// over [0, 10^length) and zero padded. Codes may repeat across calls.
func (g *Generator) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, g.max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", g.length, n.Int64()), nil
}
