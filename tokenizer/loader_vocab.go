// loader_vocab.go - Tokenizer Laden aus vocab.json + merges.txt
//
// Enthält:
// - LoadVocabMerges: Lädt das Format der originalen CLIP-Repositories

package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadVocabMerges loads a tokenizer from vocab.json + merges.txt format
func LoadVocabMerges(dir string) (*Tokenizer, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab.json: %w", err)
	}

	vocabMap := make(map[string]int32)
	if err := json.Unmarshal(vocabData, &vocabMap); err != nil {
		return nil, fmt.Errorf("failed to parse vocab.json: %w", err)
	}

	mergesData, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read merges.txt: %w", err)
	}

	var mergesStrings []string
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		mergesStrings = append(mergesStrings, line)
	}

	t := buildTokenizer(vocabMap, mergesStrings)

	// CLIP-Vokabulare kodieren Wortenden mit </w>
	t.endOfWordSuffix = "</w>"
	t.lowercase = true

	if addedData, err := os.ReadFile(filepath.Join(dir, "added_tokens.json")); err == nil {
		addedMap := make(map[string]int32)
		if err := json.Unmarshal(addedData, &addedMap); err == nil {
			for token, id := range addedMap {
				vocabMap[token] = id
				t.addSpecial(token, id)
			}
		}
	}

	loadSpecialTokenConfig(dir, t)
	resolveSpecialTokens(t)

	re, err := compilePretokenizer(clipPattern)
	if err != nil {
		return nil, err
	}
	t.pretokenizer = re

	return t, nil
}
