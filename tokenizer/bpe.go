// bpe.go - BPE Merge-Algorithmus
//
// Enthält:
// - encodeWordInto: byte-level Kodierung eines Wortes mit Wortende-Suffix
// - encodeBPEMerge: wiederholtes Mergen des Paares mit niedrigstem Rang

package tokenizer

import (
	"slices"
	"strings"
)

// encodeWordInto appends the tokens of one pretokenized word to ids
func (t *Tokenizer) encodeWordInto(word string, ids []int32) []int32 {
	if word == "" {
		return ids
	}
	if cached, ok := t.cache.Get(word); ok {
		return append(ids, cached...)
	}

	var sb strings.Builder
	sb.Grow(len(word) * 2)
	for i := 0; i < len(word); i++ {
		sb.WriteRune(byteToRune[word[i]])
	}
	encoded := sb.String()

	var out []int32
	if id, ok := t.vocab.Reverse[encoded+t.endOfWordSuffix]; ok {
		out = []int32{id}
	} else {
		out = t.encodeBPEMerge(encoded, nil)
	}

	t.cache.Add(word, slices.Clone(out))
	return append(ids, out...)
}

// encodeBPEMerge encodes using BPE merge algorithm.
// Repeatedly merges the pair with lowest rank until no more merges possible.
func (t *Tokenizer) encodeBPEMerge(encoded string, ids []int32) []int32 {
	runes := []rune(encoded)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	parts[len(parts)-1] += t.endOfWordSuffix

	for len(parts) > 1 {
		minRank := int(0x7FFFFFFF)
		minIdx := -1

		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := t.vocab.Merges[parts[i]+" "+parts[i+1]]; ok && rank < minRank {
				minRank = rank
				minIdx = i
			}
		}

		if minIdx < 0 {
			break
		}

		parts[minIdx] = parts[minIdx] + parts[minIdx+1]
		parts = append(parts[:minIdx+1], parts[minIdx+2:]...)
	}

	for _, part := range parts {
		if id, ok := t.vocab.Reverse[part]; ok {
			ids = append(ids, id)
			continue
		}
		// Fallback: einzelne Zeichen, das Suffix bleibt am letzten Zeichen
		base := strings.TrimSuffix(part, t.endOfWordSuffix)
		suffixed := base != part
		rs := []rune(base)
		for i, r := range rs {
			s := string(r)
			if suffixed && i == len(rs)-1 {
				s += t.endOfWordSuffix
			}
			if id, ok := t.vocab.Reverse[s]; ok {
				ids = append(ids, id)
			}
		}
	}

	return ids
}
