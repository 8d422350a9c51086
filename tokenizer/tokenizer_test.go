package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testTokenizerJSON = `{
  "normalizer": {"type": "Sequence", "normalizers": [
    {"type": "NFC"},
    {"type": "Replace", "pattern": {"Regex": "\\s+"}, "content": " "},
    {"type": "Lowercase"}
  ]},
  "pre_tokenizer": {"type": "Sequence", "pretokenizers": [
    {"type": "Split", "pattern": {"Regex": "<\\|startoftext\\|>|<\\|endoftext\\|>|'s|'t|'re|'ve|'m|'ll|'d|[\\p{L}]+|[\\p{N}]|[^\\s\\p{L}\\p{N}]+"}, "behavior": "Removed", "invert": true},
    {"type": "ByteLevel", "add_prefix_space": false}
  ]},
  "post_processor": {"type": "RobertaProcessing", "sep": ["<|endoftext|>", 11], "cls": ["<|startoftext|>", 10]},
  "added_tokens": [
    {"id": 10, "content": "<|startoftext|>", "special": true},
    {"id": 11, "content": "<|endoftext|>", "special": true}
  ],
  "model": {
    "type": "BPE",
    "end_of_word_suffix": "</w>",
    "vocab": {"!": 0, "a": 1, "a</w>": 2, "c": 3, "t": 4, "t</w>": 5, "c</w>": 6, "ca": 7, "cat</w>": 8, "at</w>": 9,
              "<|startoftext|>": 10, "<|endoftext|>": 11, "!</w>": 12},
    "merges": ["a t</w>", "c at</w>"]
  }
}`

func testTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := LoadFromBytes([]byte(testTokenizerJSON))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestEncode(t *testing.T) {
	tok := testTokenizer(t)

	cases := []struct {
		input string
		want  []int32
	}{
		{"cat", []int32{10, 8, 11}},
		{"CAT", []int32{10, 8, 11}},
		{"tat", []int32{10, 4, 9, 11}},
		{"cat!", []int32{10, 8, 12, 11}},
		{"  cat \n cat ", []int32{10, 8, 8, 11}},
		{"", []int32{10, 11}},
	}

	for _, tt := range cases {
		t.Run(tt.input, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tok.Encode(tt.input, true)); diff != "" {
				t.Errorf("Encode(%q) (-want +got):\n%s", tt.input, diff)
			}
		})
	}

	// Zweiter Durchlauf kommt aus dem Cache
	if diff := cmp.Diff([]int32{4, 9}, tok.Encode("tat", false)); diff != "" {
		t.Errorf("gecachtes Encode (-want +got):\n%s", diff)
	}
}

func TestSpecialTokens(t *testing.T) {
	tok := testTokenizer(t)
	if tok.BOS() != 10 || tok.EOS() != 11 {
		t.Errorf("erwartet BOS=10 EOS=11, bekommen %d %d", tok.BOS(), tok.EOS())
	}
	if id, ok := tok.TokenID("!"); !ok || id != 0 {
		t.Errorf("erwartet ! = 0, bekommen %d %v", id, ok)
	}
}

func TestDecode(t *testing.T) {
	tok := testTokenizer(t)
	if got := tok.Decode([]int32{10, 4, 9, 8, 11}); got != "tat cat" {
		t.Errorf("erwartet %q, bekommen %q", "tat cat", got)
	}
}

func TestAdapterPadding(t *testing.T) {
	tok := testTokenizer(t)

	cases := []struct {
		name    string
		padWith string
		padID   int32
	}{
		{"endoftext", "", 11},
		{"ausrufezeichen", "!", 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAdapter(tok, tt.padWith, 0)
			if err != nil {
				t.Fatal(err)
			}
			ids, err := a.Tokenize("cat")
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != DefaultMaxLength {
				t.Fatalf("erwartet %d Tokens, bekommen %d", DefaultMaxLength, len(ids))
			}
			if diff := cmp.Diff([]int32{10, 8, 11}, ids[:3]); diff != "" {
				t.Errorf("Prefix (-want +got):\n%s", diff)
			}
			for i, id := range ids[3:] {
				if id != tt.padID {
					t.Fatalf("Position %d: erwartet Pad %d, bekommen %d", i+3, tt.padID, id)
				}
			}
		})
	}

	if _, err := NewAdapter(tok, "?", 0); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("erwartet ErrUnknownToken, bekommen %v", err)
	}
}

func TestAdapterTooLong(t *testing.T) {
	tok := testTokenizer(t)

	a, err := NewAdapter(tok, "!", 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Tokenize("cat cat cat"); !errors.Is(err, ErrPromptTooLong) {
		t.Errorf("erwartet ErrPromptTooLong, bekommen %v", err)
	}

	// Genau auf der Grenze ist erlaubt
	ids, err := a.Tokenize("cat cat")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{10, 8, 8, 11}, ids); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	trunc, err := NewAdapter(tok, "!", 4, WithTruncation())
	if err != nil {
		t.Fatal(err)
	}
	ids, err = trunc.Tokenize("cat cat cat")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{10, 8, 8, 11}, ids); diff != "" {
		t.Errorf("gekuerzt (-want +got):\n%s", diff)
	}
}

func TestTokenizePair(t *testing.T) {
	tok := testTokenizer(t)
	a, err := NewAdapter(tok, "", 8)
	if err != nil {
		t.Fatal(err)
	}

	cond, uncond, err := a.TokenizePair("cat", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cond) != 8 || uncond != nil {
		t.Errorf("erwartet 8 Tokens und kein uncond, bekommen %d / %v", len(cond), uncond)
	}

	neg := "tat"
	cond, uncond, err = a.TokenizePair("cat", &neg)
	if err != nil {
		t.Fatal(err)
	}
	single, _ := a.Tokenize(neg)
	if diff := cmp.Diff(single, uncond); diff != "" {
		t.Errorf("uncond nicht unabhaengig kodiert (-want +got):\n%s", diff)
	}
	if cond[1] != 8 {
		t.Errorf("cond veraendert: %v", cond)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(testTokenizerJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{10, 8, 11}, tok.Encode("cat", true)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestLoadVocabMerges(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"vocab.json":              `{"!": 0, "a": 1, "t": 4, "c": 3, "at</w>": 9, "cat</w>": 8, "<|startoftext|>": 10, "<|endoftext|>": 11}`,
		"merges.txt":              "#version: 0.2\na t</w>\nc at</w>\n",
		"special_tokens_map.json": `{"bos_token": {"content": "<|startoftext|>"}, "eos_token": "<|endoftext|>", "pad_token": "<|endoftext|>"}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{10, 8, 11}, tok.Encode("Cat", true)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestByteAlphabet(t *testing.T) {
	seen := make(map[rune]bool)
	for b := 0; b < 256; b++ {
		r := byteToRune[b]
		if seen[r] {
			t.Fatalf("rune %U doppelt", r)
		}
		seen[r] = true
		if runeToByte[r] != byte(b) {
			t.Fatalf("byte %d nicht umkehrbar", b)
		}
	}
	if byteToRune[' '] != 'Ġ' {
		t.Errorf("Leerzeichen: erwartet Ġ, bekommen %q", byteToRune[' '])
	}
}
