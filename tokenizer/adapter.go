// adapter.go - Feste Token-Laenge fuer die Text-Encoder
//
// Enthält:
// - Adapter: Tokenize/TokenizePair mit Padding auf die Kontextlaenge
// - WithTruncation: Option fuer ueberlange Prompts

package tokenizer

import (
	"fmt"
)

// DefaultMaxLength ist max_position_embeddings der CLIP-Text-Encoder
const DefaultMaxLength = 77

// Adapter kodiert Prompts und fuellt sie mit dem Pad-Token auf MaxLength auf.
// Ueberlange Prompts liefern ErrPromptTooLong, ausser WithTruncation ist gesetzt.
type Adapter struct {
	tok       *Tokenizer
	padID     int32
	maxLength int
	truncate  bool
}

type AdapterOption func(*Adapter)

// WithTruncation kuerzt ueberlange Prompts und behaelt das abschliessende EOS
func WithTruncation() AdapterOption {
	return func(a *Adapter) {
		a.truncate = true
	}
}

// NewAdapter erstellt einen Adapter. padWith "" bedeutet <|endoftext|>,
// maxLength <= 0 bedeutet DefaultMaxLength.
func NewAdapter(tok *Tokenizer, padWith string, maxLength int, opts ...AdapterOption) (*Adapter, error) {
	if padWith == "" {
		padWith = endOfText
	}
	padID, ok := tok.TokenID(padWith)
	if !ok {
		return nil, fmt.Errorf("%w: pad %q", ErrUnknownToken, padWith)
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	a := &Adapter{tok: tok, padID: padID, maxLength: maxLength}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) PadID() int32   { return a.padID }
func (a *Adapter) MaxLength() int { return a.maxLength }

// Tokenize gibt genau MaxLength Token-IDs zurueck
func (a *Adapter) Tokenize(text string) ([]int32, error) {
	ids := a.tok.Encode(text, true)
	if len(ids) > a.maxLength {
		if !a.truncate {
			return nil, fmt.Errorf("%w: %d Tokens, erlaubt %d", ErrPromptTooLong, len(ids), a.maxLength)
		}
		last := ids[len(ids)-1]
		ids = append(ids[:a.maxLength-1], last)
	}

	for len(ids) < a.maxLength {
		ids = append(ids, a.padID)
	}
	return ids, nil
}

// TokenizePair kodiert Prompt und optionalen Negativ-Prompt unabhaengig voneinander
func (a *Adapter) TokenizePair(prompt string, uncond *string) ([]int32, []int32, error) {
	tokens, err := a.Tokenize(prompt)
	if err != nil {
		return nil, nil, err
	}
	if uncond == nil {
		return tokens, nil, nil
	}
	uncondTokens, err := a.Tokenize(*uncond)
	if err != nil {
		return nil, nil, err
	}
	return tokens, uncondTokens, nil
}
