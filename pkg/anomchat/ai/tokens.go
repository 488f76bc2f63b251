package ai

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenizer     *tiktoken.Tiktoken
	tokenizerOnce sync.Once
	tokenizerErr  error
)

func getTokenizer() (*tiktoken.Tiktoken, error) {
	tokenizerOnce.Do(func() {
		tokenizer, tokenizerErr = tiktoken.GetEncoding("cl100k_base")
		if tokenizerErr != nil {
			slog.Warn("ai: tokenizer unavailable, estimating tokens by length", "error", tokenizerErr)
		}
	})
	return tokenizer, tokenizerErr
}

// CountTokens counts the cl100k_base tokens of text. When the encoding
// cannot be loaded it estimates four characters per token.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc, err := getTokenizer(); err == nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len([]rune(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}
