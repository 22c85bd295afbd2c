package ai

import (
	"github.com/pkoukk/tiktoken-go"
)

const DefaultEncoding = "o200k_base"

// TokenLimiter truncates embedding input to a model's context window.
// A nil *TokenLimiter passes text through unchanged.
type TokenLimiter struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
}

// NewTokenLimiter loads the named BPE encoding. The encoding files may be
// fetched on first use, so callers typically build one limiter per process.
func NewTokenLimiter(encoding string, maxTokens int) (*TokenLimiter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TokenLimiter{enc: enc, maxTokens: maxTokens}, nil
}

// Truncate returns text cut to at most maxTokens tokens.
func (l *TokenLimiter) Truncate(text string) string {
	if l == nil || l.enc == nil || l.maxTokens <= 0 {
		return text
	}
	tokens := l.enc.Encode(text, nil, nil)
	if len(tokens) <= l.maxTokens {
		return text
	}
	return l.enc.Decode(tokens[:l.maxTokens])
}

// Count returns the token count of text, or -1 without an encoding.
func (l *TokenLimiter) Count(text string) int {
	if l == nil || l.enc == nil {
		return -1
	}
	return len(l.enc.Encode(text, nil, nil))
}
