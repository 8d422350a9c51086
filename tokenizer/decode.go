// decode.go - Token-IDs zu Text dekodieren

package tokenizer

import (
	"strings"
)

// Decode converts token IDs back to text. Special tokens are skipped,
// word-end suffixes become spaces.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if int(id) < 0 || int(id) >= len(t.vocab.Values) {
			continue
		}
		token := t.vocab.Values[id]
		if _, special := t.specialTokens[token]; special {
			continue
		}
		sb.WriteString(token)
	}

	text := sb.String()
	if t.endOfWordSuffix != "" {
		text = strings.ReplaceAll(text, t.endOfWordSuffix, " ")
	}

	out := make([]byte, 0, len(text))
	for _, r := range text {
		if b, ok := runeToByte[r]; ok {
			out = append(out, b)
		} else {
			out = append(out, string(r)...)
		}
	}
	return strings.TrimSpace(string(out))
}
