// config.go - Special Token Konfiguration
//
// Enthält:
// - loadSpecialTokenConfig: Lädt special_tokens_map.json / tokenizer_config.json
// - resolveSpecialTokens: Fallback auf die CLIP-Standardtokens
// - extractTokenString: Extrahiert Token-Strings aus verschiedenen JSON-Formaten

package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// loadSpecialTokenConfig liest BOS/EOS/PAD aus den HuggingFace-Begleitdateien.
// tokenizer_config.json hat Vorrang vor special_tokens_map.json.
func loadSpecialTokenConfig(dir string, t *Tokenizer) {
	for _, name := range []string{"tokenizer_config.json", "special_tokens_map.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		var tokensMap map[string]any
		if err := json.Unmarshal(data, &tokensMap); err != nil {
			continue
		}

		assign := func(dst *int32, key string) {
			if *dst >= 0 {
				return
			}
			if s := extractTokenString(tokensMap[key]); s != "" {
				if id, ok := t.TokenID(s); ok {
					*dst = id
					t.specialTokens[s] = id
				}
			}
		}
		assign(&t.vocab.BOS, "bos_token")
		assign(&t.vocab.EOS, "eos_token")
		assign(&t.vocab.PAD, "pad_token")

		if lower, ok := tokensMap["do_lower_case"].(bool); ok {
			t.lowercase = lower
		}
	}
}

// resolveSpecialTokens setzt fehlende BOS/EOS auf die CLIP-Tokens
func resolveSpecialTokens(t *Tokenizer) {
	if t.vocab.BOS < 0 {
		if id, ok := t.TokenID(startOfText); ok {
			t.vocab.BOS = id
			t.specialTokens[startOfText] = id
		}
	}
	if t.vocab.EOS < 0 {
		if id, ok := t.TokenID(endOfText); ok {
			t.vocab.EOS = id
			t.specialTokens[endOfText] = id
		}
	}
	if t.vocab.PAD < 0 {
		t.vocab.PAD = t.vocab.EOS
	}
}

// extractTokenString extracts the token string from various formats used in HuggingFace configs.
// Tokens can be represented as:
//   - string: "token"
//   - object: {"content": "token", ...}
func extractTokenString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if m, ok := v.(map[string]any); ok {
		if content, ok := m["content"].(string); ok {
			return content
		}
	}
	return ""
}
