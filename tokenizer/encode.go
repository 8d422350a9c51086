// encode.go - Text zu Token-IDs encodieren
//
// Enthält:
// - Encode: Normalisieren, Special Tokens abtrennen, Pretokenizer, BPE
// - splitBySpecialTokens: Trennt Special Tokens
//
// Siehe auch: bpe.go für den Merge-Algorithmus, decode.go für Decoding

package tokenizer

import (
	"sort"
	"strings"
)

// splitBySpecialTokens splits text into parts, keeping special tokens as separate elements
func (t *Tokenizer) splitBySpecialTokens(s string) []string {
	if len(t.specialTokens) == 0 {
		return []string{s}
	}

	tokens := make([]string, 0, len(t.specialTokens))
	for tok := range t.specialTokens {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return len(tokens[i]) > len(tokens[j])
	})

	var result []string
	remaining := s

	for len(remaining) > 0 {
		found := false
		for _, tok := range tokens {
			if strings.HasPrefix(remaining, tok) {
				result = append(result, tok)
				remaining = remaining[len(tok):]
				found = true
				break
			}
		}
		if !found {
			nextPos := len(remaining)
			for _, tok := range tokens {
				if idx := strings.Index(remaining, tok); idx != -1 && idx < nextPos {
					nextPos = idx
				}
			}
			if nextPos > 0 {
				result = append(result, remaining[:nextPos])
			}
			remaining = remaining[nextPos:]
		}
	}

	return result
}

// words zerlegt einen Textteil mit dem Pretokenizer in Woerter
func (t *Tokenizer) words(part string) []string {
	var words []string
	m, err := t.pretokenizer.FindStringMatch(part)
	for m != nil && err == nil {
		words = append(words, m.String())
		m, err = t.pretokenizer.FindNextMatch(m)
	}
	return words
}

// Encode tokenizes text to token IDs. With addSpecial the sequence is
// wrapped in BOS ... EOS like the CLIP post-processor does.
func (t *Tokenizer) Encode(s string, addSpecial bool) []int32 {
	s = t.normalize(s)

	var ids []int32
	if addSpecial && t.vocab.BOS >= 0 {
		ids = append(ids, t.vocab.BOS)
	}

	for _, part := range t.splitBySpecialTokens(s) {
		if id, ok := t.specialTokens[part]; ok {
			ids = append(ids, id)
			continue
		}
		for _, w := range t.words(part) {
			ids = t.encodeWordInto(w, ids)
		}
	}

	if addSpecial && t.vocab.EOS >= 0 {
		ids = append(ids, t.vocab.EOS)
	}
	return ids
}
