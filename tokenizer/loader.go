// loader.go - Tokenizer Laden und Parsen (tokenizer.json Format)
//
// Enthält:
// - Load: Lädt aus Datei oder Verzeichnis
// - LoadFromBytes: Laden aus Byte-Slices
// - loadFromTokenizerJSON: Parst tokenizer.json (Modell, Normalizer, Pretokenizer, Post-Processor)
// - extractPretokenizer, detectLowercase, compilePretokenizer
//
// Siehe auch: loader_vocab.go für vocab.json + merges.txt

package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"
)

// clipPattern ist das Split-Pattern der CLIP-Tokenizer
const clipPattern = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

// LoadFromBytes loads a tokenizer from tokenizer.json bytes.
func LoadFromBytes(data []byte) (*Tokenizer, error) {
	return loadFromTokenizerJSON(data)
}

// Load loads a tokenizer from a path which can be:
// - A tokenizer.json file
// - A directory containing tokenizer.json or vocab.json + merges.txt
func Load(path string) (*Tokenizer, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		if data, err := os.ReadFile(filepath.Join(path, "tokenizer.json")); err == nil {
			return loadFromTokenizerJSON(data)
		}
		return LoadVocabMerges(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}
	return loadFromTokenizerJSON(data)
}

type processorToken struct {
	Content string
	ID      int32
}

// UnmarshalJSON liest das ["<token>", id] Format der RobertaProcessing-Felder
func (p *processorToken) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil || len(pair) != 2 {
		return fmt.Errorf("ungueltiges Token-Paar %s", b)
	}
	if err := json.Unmarshal(pair[0], &p.Content); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &p.ID)
}

func loadFromTokenizerJSON(data []byte) (*Tokenizer, error) {
	var raw struct {
		Model struct {
			Type            string           `json:"type"`
			Vocab           map[string]int32 `json:"vocab"`
			Merges          json.RawMessage  `json:"merges"` // []string oder [][]string
			EndOfWordSuffix string           `json:"end_of_word_suffix"`
		} `json:"model"`
		Normalizer    json.RawMessage `json:"normalizer"`
		PreTokenizer  json.RawMessage `json:"pre_tokenizer"`
		PostProcessor *struct {
			Type string          `json:"type"`
			CLS  *processorToken `json:"cls"`
			SEP  *processorToken `json:"sep"`
		} `json:"post_processor"`
		AddedTokens []struct {
			ID      int32  `json:"id"`
			Content string `json:"content"`
			Special bool   `json:"special"`
		} `json:"added_tokens"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}
	if raw.Model.Type != "" && raw.Model.Type != "BPE" {
		return nil, fmt.Errorf("nicht unterstuetzter Tokenizer-Typ %q", raw.Model.Type)
	}

	var mergesStrings []string
	if raw.Model.Merges != nil {
		if err := json.Unmarshal(raw.Model.Merges, &mergesStrings); err != nil {
			var mergesArrays [][]string
			if err := json.Unmarshal(raw.Model.Merges, &mergesArrays); err != nil {
				return nil, fmt.Errorf("failed to parse merges: %w", err)
			}
			mergesStrings = make([]string, len(mergesArrays))
			for i, pair := range mergesArrays {
				if len(pair) != 2 {
					return nil, fmt.Errorf("ungueltiger merge %v", pair)
				}
				mergesStrings[i] = pair[0] + " " + pair[1]
			}
		}
	}

	t := buildTokenizer(raw.Model.Vocab, mergesStrings)
	t.endOfWordSuffix = raw.Model.EndOfWordSuffix
	t.lowercase = detectLowercase(raw.Normalizer)

	for _, tok := range raw.AddedTokens {
		t.addSpecial(tok.Content, tok.ID)
	}

	if pp := raw.PostProcessor; pp != nil {
		if pp.CLS != nil {
			t.vocab.BOS = pp.CLS.ID
		}
		if pp.SEP != nil {
			t.vocab.EOS = pp.SEP.ID
		}
	}
	resolveSpecialTokens(t)

	pattern := extractPretokenizer(raw.PreTokenizer)
	if pattern == "" {
		pattern = clipPattern
	}
	re, err := compilePretokenizer(pattern)
	if err != nil {
		return nil, err
	}
	t.pretokenizer = re

	return t, nil
}

// buildTokenizer erstellt Vokabular und Merge-Raenge
func buildTokenizer(vocab map[string]int32, merges []string) *Tokenizer {
	t := newTokenizer(&Vocabulary{
		Values:  make([]string, len(vocab)),
		Reverse: vocab,
		Merges:  make(map[string]int, len(merges)),
		BOS:     -1,
		EOS:     -1,
		PAD:     -1,
	})

	for token, id := range vocab {
		t.setValue(id, token)
	}
	for i, merge := range merges {
		t.vocab.Merges[merge] = i
	}
	return t
}

func (t *Tokenizer) setValue(id int32, token string) {
	if int(id) >= len(t.vocab.Values) {
		newValues := make([]string, id+1)
		copy(newValues, t.vocab.Values)
		t.vocab.Values = newValues
	}
	t.vocab.Values[id] = token
}

func (t *Tokenizer) addSpecial(token string, id int32) {
	t.setValue(id, token)
	t.specialTokens[token] = id
}

func compilePretokenizer(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pretokenizer regex %q: %w", pattern, err)
	}
	return re, nil
}

// detectLowercase sucht einen Lowercase-Normalizer, auch innerhalb einer Sequence
func detectLowercase(data json.RawMessage) bool {
	if data == nil {
		return false
	}

	var n struct {
		Type        string            `json:"type"`
		Lowercase   bool              `json:"lowercase"`
		Normalizers []json.RawMessage `json:"normalizers"`
	}
	if err := json.Unmarshal(data, &n); err != nil {
		return false
	}

	switch n.Type {
	case "Lowercase":
		return true
	case "BertNormalizer":
		return n.Lowercase
	case "Sequence":
		for _, sub := range n.Normalizers {
			if detectLowercase(sub) {
				return true
			}
		}
	}
	return false
}

// extractPretokenizer extracts the regex pattern from the pre_tokenizer config
func extractPretokenizer(data json.RawMessage) string {
	if data == nil {
		return ""
	}

	type split struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	}

	var single split
	if err := json.Unmarshal(data, &single); err == nil && single.Pattern.Regex != "" {
		return single.Pattern.Regex
	}

	var seq struct {
		Type          string  `json:"type"`
		Pretokenizers []split `json:"pretokenizers"`
	}
	if err := json.Unmarshal(data, &seq); err == nil && seq.Type == "Sequence" {
		for _, pt := range seq.Pretokenizers {
			if pt.Type == "Split" && pt.Pattern.Regex != "" {
				return pt.Pattern.Regex
			}
		}
	}

	return ""
}

// normalize wendet den CLIP-Normalizer an (Whitespace zusammenfassen, optional lowercase)
func (t *Tokenizer) normalize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if t.lowercase {
		s = strings.ToLower(s)
	}
	return s
}
