package embedder

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const (
	padToken = "[PAD]"
	unkToken = "[UNK]"
	clsToken = "[CLS]"
	sepToken = "[SEP]"
)

// vocab is a WordPiece vocabulary; a token's ID is its 0-based line number
// in vocab.txt.
type vocab struct {
	ids map[string]int64

	padID int64
	unkID int64
	clsID int64
	sepID int64
}

func loadVocab(path string) (*vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vocab: %w", err)
	}
	defer f.Close()

	v := &vocab{ids: make(map[string]int64, 120000)}
	sc := bufio.NewScanner(f)
	for n := int64(0); sc.Scan(); n++ {
		tok := strings.TrimSuffix(sc.Text(), "\r")
		if _, dup := v.ids[tok]; !dup {
			v.ids[tok] = n
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vocab: read %s: %w", path, err)
	}
	if len(v.ids) == 0 {
		return nil, fmt.Errorf("vocab: file is empty: %s", path)
	}

	for tok, dst := range map[string]*int64{padToken: &v.padID, unkToken: &v.unkID, clsToken: &v.clsID, sepToken: &v.sepID} {
		id, ok := v.ids[tok]
		if !ok {
			return nil, fmt.Errorf("vocab: missing special token %s", tok)
		}
		*dst = id
	}
	return v, nil
}

// lookup returns the ID of token, or [UNK]'s.
func (v *vocab) lookup(token string) int64 {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return v.unkID
}

func (v *vocab) contains(token string) bool {
	_, ok := v.ids[token]
	return ok
}

func (v *vocab) size() int { return len(v.ids) }
