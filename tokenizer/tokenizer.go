// tokenizer.go - CLIP-BPE-Tokenizer Typen
//
// Enthält:
// - Tokenizer, Vocabulary: geladener Zustand (read-only nach Load)
// - byteToRune/runeToByte: byte-level Alphabet (GPT-2/CLIP)
// - TokenID, VocabSize, BOS/EOS Accessoren
//
// Siehe auch: loader.go, encode.go, bpe.go, decode.go, adapter.go

package tokenizer

import (
	"errors"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrUnknownToken  = errors.New("token nicht im Vokabular")
	ErrPromptTooLong = errors.New("prompt laenger als der Kontext des Text-Encoders")
)

const (
	startOfText = "<|startoftext|>"
	endOfText   = "<|endoftext|>"

	// wordCacheSize begrenzt den BPE-Cache pro Tokenizer
	wordCacheSize = 8192
)

// Vocabulary haelt Token-Strings, Merge-Raenge und Special-IDs
type Vocabulary struct {
	Values  []string
	Reverse map[string]int32
	Merges  map[string]int

	BOS int32
	EOS int32
	PAD int32
}

// Tokenizer ist ein byte-level BPE-Tokenizer im CLIP-Stil.
// Nach dem Laden nur lesend benutzt und damit goroutine-sicher.
type Tokenizer struct {
	vocab         *Vocabulary
	specialTokens map[string]int32
	pretokenizer  *regexp2.Regexp

	lowercase       bool
	endOfWordSuffix string

	cache *lru.Cache[string, []int32]
}

var (
	byteToRune [256]rune
	runeToByte map[rune]byte
)

func init() {
	// bytes_to_unicode: druckbare Bytes bleiben, der Rest wird ab U+0100 verschoben
	n := 0
	runeToByte = make(map[rune]byte, 256)
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		r := rune(b)
		if !printable {
			r = rune(256 + n)
			n++
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

func newTokenizer(vocab *Vocabulary) *Tokenizer {
	cache, err := lru.New[string, []int32](wordCacheSize)
	if err != nil {
		panic(err)
	}
	return &Tokenizer{
		vocab:         vocab,
		specialTokens: make(map[string]int32),
		cache:         cache,
	}
}

// TokenID gibt die ID eines Tokens inklusive Special Tokens zurueck
func (t *Tokenizer) TokenID(token string) (int32, bool) {
	if id, ok := t.specialTokens[token]; ok {
		return id, true
	}
	id, ok := t.vocab.Reverse[token]
	return id, ok
}

func (t *Tokenizer) VocabSize() int { return len(t.vocab.Values) }
func (t *Tokenizer) BOS() int32     { return t.vocab.BOS }
func (t *Tokenizer) EOS() int32     { return t.vocab.EOS }
