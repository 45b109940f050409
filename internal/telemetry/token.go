package telemetry

import (
	"sync/atomic"
)

// Token identifies a started measurement. Zero is never issued.
type Token uint64

// TokenGenerator creates monotonically increasing measurement tokens.
type TokenGenerator struct {
	next atomic.Uint64
}

func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// Next returns the next token.
func (g *TokenGenerator) Next() Token {
	if g == nil {
		return 0
	}
	return Token(g.next.Add(1))
}
