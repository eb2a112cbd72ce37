package embedder

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxSeqLen is the sequence cap used when none is configured.
const DefaultMaxSeqLen = 128

// maxWordRunes is the longest word WordPiece tries to split; longer words
// become [UNK].
const maxWordRunes = 100

// tokenized is a padded batch ready for ONNX inference. All slices are flat:
// [batchSize * seqLen].
type tokenized struct {
	inputIDs      []int64
	attentionMask []int64
	tokenTypeIDs  []int64
	batchSize     int64
	seqLen        int64
}

// tokenizer performs BERT-style WordPiece tokenization. Uncased models get
// lowercasing and accent stripping; cased multilingual models keep both, so
// "reclamação" and "reclamacao" stay distinct.
type tokenizer struct {
	vocab     *vocab
	maxSeqLen int
	cased     bool
}

// newTokenizer creates a tokenizer from a vocab.txt file.
func newTokenizer(vocabPath string, maxSeqLen int, cased bool) (*tokenizer, error) {
	v, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	if maxSeqLen <= 2 {
		maxSeqLen = DefaultMaxSeqLen
	}
	return &tokenizer{vocab: v, maxSeqLen: maxSeqLen, cased: cased}, nil
}

// encode returns [CLS] pieces... [SEP], truncated to maxSeqLen.
func (t *tokenizer) encode(text string) []int64 {
	ids := make([]int64, 1, t.maxSeqLen)
	ids[0] = t.vocab.clsID
	limit := t.maxSeqLen - 1
	for _, w := range t.words(text) {
		for _, p := range t.pieces(w) {
			if len(ids) == limit {
				return append(ids, t.vocab.sepID)
			}
			ids = append(ids, t.vocab.lookup(p))
		}
	}
	return append(ids, t.vocab.sepID)
}

// tokenize encodes one text padded to maxSeqLen.
func (t *tokenizer) tokenize(text string) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	ids := t.encode(text)
	inputIDs = make([]int64, t.maxSeqLen)
	attentionMask = make([]int64, t.maxSeqLen)
	tokenTypeIDs = make([]int64, t.maxSeqLen)
	t.pad(inputIDs, attentionMask, ids)
	return inputIDs, attentionMask, tokenTypeIDs
}

// tokenizeBatch packs texts padded to the longest encoded text.
func (t *tokenizer) tokenizeBatch(texts []string) tokenized {
	if len(texts) == 0 {
		return tokenized{}
	}
	enc := make([][]int64, len(texts))
	seqLen := 0
	for i, text := range texts {
		enc[i] = t.encode(text)
		seqLen = max(seqLen, len(enc[i]))
	}

	out := tokenized{
		batchSize:     int64(len(texts)),
		seqLen:        int64(seqLen),
		inputIDs:      make([]int64, len(texts)*seqLen),
		attentionMask: make([]int64, len(texts)*seqLen),
		tokenTypeIDs:  make([]int64, len(texts)*seqLen),
	}
	for i, ids := range enc {
		lo, hi := i*seqLen, (i+1)*seqLen
		t.pad(out.inputIDs[lo:hi], out.attentionMask[lo:hi], ids)
	}
	return out
}

// pad copies ids into dst, fills the rest with [PAD] and sets the mask.
func (t *tokenizer) pad(dst, mask, ids []int64) {
	for i := range dst {
		if i < len(ids) {
			dst[i] = ids[i]
			mask[i] = 1
		} else {
			dst[i] = t.vocab.padID
			mask[i] = 0
		}
	}
}

// words runs BERT's basic tokenizer: drop control characters, normalize,
// then split on whitespace and around each punctuation rune.
func (t *tokenizer) words(text string) []string {
	text = strings.Map(func(r rune) rune {
		if r == 0 || r == utf8.RuneError || isControl(r) {
			return -1
		}
		return r
	}, text)
	if t.cased {
		text = norm.NFC.String(text)
	} else {
		text = stripAccents(strings.ToLower(text))
	}

	var words []string
	start := -1
	flush := func(end int) {
		if start >= 0 {
			words = append(words, text[start:end])
			start = -1
		}
	}
	for i, r := range text {
		switch {
		case isWhitespace(r):
			flush(i)
		case isPunctuation(r):
			flush(i)
			words = append(words, string(r))
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(text))
	return words
}

// pieces splits a word into WordPiece subwords by greedy longest match.
func (t *tokenizer) pieces(word string) []string {
	if utf8.RuneCountInString(word) > maxWordRunes {
		return []string{unkToken}
	}
	var out []string
	for rest, prefix := word, ""; rest != ""; prefix = "##" {
		end := len(rest)
		for end > 0 && !t.vocab.contains(prefix+rest[:end]) {
			_, size := utf8.DecodeLastRuneInString(rest[:end])
			end -= size
		}
		if end == 0 {
			return []string{unkToken}
		}
		out = append(out, prefix+rest[:end])
		rest = rest[end:]
	}
	return out
}

// stripAccents removes combining marks. Transformers are stateful, so one
// chain is built per call.
func stripAccents(s string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(fold, s)
	if err != nil {
		return s
	}
	return out
}

func isWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.In(r, unicode.Cf)
}

// isPunctuation follows BERT: every non-alphanumeric printable ASCII rune
// plus the Unicode punctuation categories.
func isPunctuation(r rune) bool {
	if r < utf8.RuneSelf && r > ' ' && r != 0x7f {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}
	return unicode.IsPunct(r)
}
