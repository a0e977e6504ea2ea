package relay

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/aethergate/aethergate/internal/upstream"
)

// Tokenizer converts text into billable units. The same text must always
// produce the same count: billed cost depends on it.
type Tokenizer interface {
	Count(text string) int64
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer builds the gateway's unit tokenizer: tiktoken with the
// cl100k_base encoding. Used whenever a backend does not report usage
// counts itself.
func NewTokenizer() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load cl100k_base encoding: %w", err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Count(text string) int64 {
	return int64(len(t.enc.Encode(text, nil, nil)))
}

// CountMessages measures the input side of a request before any backend
// bytes arrive.
func CountMessages(tok Tokenizer, messages []upstream.Message) int64 {
	var units int64
	for _, m := range messages {
		units += tok.Count(m.Content)
	}
	return units
}
