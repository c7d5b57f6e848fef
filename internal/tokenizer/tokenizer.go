package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/23skdu/quarrel-patch/internal/gguf"
	"github.com/23skdu/quarrel-patch/internal/metrics"
)

// ErrNotSingleToken is returned when a word does not encode to exactly one
// vocabulary entry.
var ErrNotSingleToken = errors.New("word is not a single token")

// Tokenizer is a GPT-2 byte-level BPE tokenizer. It holds no mutable state
// after construction and is safe for concurrent use.
type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	ranks      map[string]int
	byteEncode [256]string
	byteDecode map[rune]byte
}

// New loads the vocabulary and merges from a GGUF file.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromGGUF(f)
}

func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens := f.StringArray("tokenizer.ggml.tokens")
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer.ggml.tokens not found in GGUF")
	}
	if model, ok := f.KV["tokenizer.ggml.model"].(string); ok && model != "gpt2" {
		return nil, fmt.Errorf("unsupported tokenizer model %q (want gpt2)", model)
	}
	merges := f.StringArray("tokenizer.ggml.merges")
	if merges == nil {
		return nil, fmt.Errorf("tokenizer.ggml.merges not found in GGUF")
	}
	return NewBPE(tokens, merges)
}

// NewBPE builds a tokenizer from byte-encoded vocabulary strings and
// "left right" merge rules in priority order.
func NewBPE(tokens, merges []string) (*Tokenizer, error) {
	t := &Tokenizer{
		Tokens:     tokens,
		Vocab:      make(map[string]int, len(tokens)),
		ranks:      make(map[string]int, len(merges)),
		byteEncode: buildByteEncoder(),
		byteDecode: make(map[rune]byte, 256),
	}
	for i, tok := range tokens {
		if _, dup := t.Vocab[tok]; !dup {
			t.Vocab[tok] = i
		}
	}
	for i, m := range merges {
		left, right, ok := strings.Cut(m, " ")
		if !ok {
			return nil, fmt.Errorf("merge %d: malformed rule %q", i, m)
		}
		key := pairKey(left, right)
		if _, dup := t.ranks[key]; !dup {
			t.ranks[key] = i
		}
	}
	for b, s := range t.byteEncode {
		r, _ := utf8.DecodeRuneInString(s)
		t.byteDecode[r] = byte(b)
	}
	metrics.RecordTokenizerVocab(len(tokens))
	return t, nil
}

func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

// Encode tokenizes text without adding any special tokens.
func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	ids := make([]int, 0, len(text)/3+1)
	for _, piece := range splitGPT2(text) {
		ids = append(ids, t.encodeWord(t.byteMap(piece))...)
	}
	metrics.RecordTokenizerEncode(len(ids))
	return ids
}

// Decode maps ids back to text. Unknown ids are skipped; byte sequences
// that are not valid UTF-8 come back with replacement characters.
func (t *Tokenizer) Decode(ids []int) string {
	var raw []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		for _, r := range t.Tokens[id] {
			if b, ok := t.byteDecode[r]; ok {
				raw = append(raw, b)
			} else {
				raw = utf8.AppendRune(raw, r)
			}
		}
	}
	return strings.ToValidUTF8(string(raw), "�")
}

// TokenID returns the id of " "+word, the form a word takes after a space.
func (t *Tokenizer) TokenID(word string) (int, error) {
	ids := t.Encode(" " + word)
	if len(ids) != 1 {
		return 0, fmt.Errorf("%q encodes to %d tokens: %w", " "+word, len(ids), ErrNotSingleToken)
	}
	return ids[0], nil
}

func (t *Tokenizer) byteMap(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		sb.WriteString(t.byteEncode[s[i]])
	}
	return sb.String()
}

func (t *Tokenizer) encodeWord(word string) []int {
	if id, ok := t.Vocab[word]; ok {
		return []int{id}
	}
	syms := make([]string, 0, len(word))
	for _, r := range word {
		syms = append(syms, string(r))
	}

	for len(syms) > 1 {
		bestRank := int(^uint(0) >> 1)
		bestIdx := -1
		for i := 0; i < len(syms)-1; i++ {
			if rank, ok := t.ranks[pairKey(syms[i], syms[i+1])]; ok && rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		merged := syms[bestIdx] + syms[bestIdx+1]
		syms = append(syms[:bestIdx+1], syms[bestIdx+2:]...)
		syms[bestIdx] = merged
	}

	out := make([]int, 0, len(syms))
	for _, s := range syms {
		if id, ok := t.Vocab[s]; ok {
			out = append(out, id)
			continue
		}
		for _, r := range s {
			if id, ok := t.Vocab[string(r)]; ok {
				out = append(out, id)
			}
		}
	}
	return out
}

func pairKey(left, right string) string {
	return left + "\x00" + right
}

// buildByteEncoder maps every byte to a printable rune: printable latin-1
// bytes map to themselves, the rest are shifted past 255.
func buildByteEncoder() [256]string {
	var enc [256]string
	n := 0
	for b := 0; b < 256; b++ {
		switch {
		case b >= '!' && b <= '~', b >= 0xA1 && b <= 0xAC, b >= 0xAE && b <= 0xFF:
			enc[b] = string(rune(b))
		default:
			enc[b] = string(rune(256 + n))
			n++
		}
	}
	return enc
}

// splitGPT2 applies the GPT-2 pre-tokenization rules: contractions,
// optional-space letter runs, number runs, symbol runs, and whitespace
// where a single space is left to prefix the next word.
func splitGPT2(s string) []string {
	rs := []rune(s)
	out := make([]string, 0, len(rs)/2+1)
	for i := 0; i < len(rs); {
		if rs[i] == '\'' && i+1 < len(rs) {
			next := rs[i+1]
			if next == 's' || next == 't' || next == 'm' || next == 'd' {
				out = append(out, string(rs[i:i+2]))
				i += 2
				continue
			}
			if i+2 < len(rs) {
				n2 := rs[i+2]
				if (next == 'r' && n2 == 'e') || (next == 'v' && n2 == 'e') || (next == 'l' && n2 == 'l') {
					out = append(out, string(rs[i:i+3]))
					i += 3
					continue
				}
			}
		}

		j := i
		if rs[i] == ' ' {
			j++
		}
		if j < len(rs) {
			var class func(rune) bool
			switch {
			case unicode.IsLetter(rs[j]):
				class = unicode.IsLetter
			case unicode.IsNumber(rs[j]):
				class = unicode.IsNumber
			case !unicode.IsSpace(rs[j]):
				class = isSymbol
			}
			if class != nil {
				k := j
				for k < len(rs) && class(rs[k]) {
					k++
				}
				out = append(out, string(rs[i:k]))
				i = k
				continue
			}
		}

		k := i
		for k < len(rs) && unicode.IsSpace(rs[k]) {
			k++
		}
		if k-i > 1 && k < len(rs) {
			k--
		}
		out = append(out, string(rs[i:k]))
		i = k
	}
	return out
}

func isSymbol(r rune) bool {
	return !unicode.IsSpace(r) && !unicode.IsLetter(r) && !unicode.IsNumber(r)
}
