package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const lowerLetters = "abcdefghijklmnopqrstuvwxyz"

// RandomGenerator produces superuser passwords backed by crypto/rand.
type RandomGenerator struct {
	size int
}

// NewRandomGenerator creates a generator of 16-byte hex passwords.
func NewRandomGenerator() *RandomGenerator {
	return &RandomGenerator{size: 16}
}

// Generate returns a random hex password (32 chars).
func (g *RandomGenerator) Generate() (string, error) {
	b := make([]byte, g.size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// Name returns n random lowercase letters, usable unquoted as a database name.
func (g *RandomGenerator) Name(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(lowerLetters)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate name: %w", err)
		}
		out[i] = lowerLetters[idx.Int64()]
	}
	return string(out), nil
}
