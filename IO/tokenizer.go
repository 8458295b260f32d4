package IO

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/models"
	"github.com/sugarme/tokenizer/normalizers"
	"github.com/sugarme/tokenizer/pretokenizers"
	"github.com/sugarme/tokenizer/trainers"
)

// Special token strings shared by both languages. Their ids come from the
// trained tokenizer vocabulary, not from hardcoded positions.
const (
	PadToken = "<pad>"
	BosToken = "<bos>"
	EosToken = "<eos>"
	UnkToken = "<unk>"
)

// Tokenizer wraps one trained BPE tokenizer for a single language and caches
// the vocabulary in both directions plus the special token ids.
type Tokenizer struct {
	inner     *tk.Tokenizer
	tokenToID map[string]int
	idToToken []string

	padID, bosID, eosID, unkID int
}

// TrainOrLoadTokenizer loads tokPath if it exists, otherwise trains a BPE
// tokenizer on the given corpus lines and saves it there. One tokenizer per
// language, so source and target get independent vocabularies.
func TrainOrLoadTokenizer(tokPath string, corpus []string, vocabSize int) (*Tokenizer, error) {
	if _, err := os.Stat(tokPath); err == nil {
		inner, err := tk.FromFile(tokPath)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer %s: %w", tokPath, err)
		}
		return wrapTokenizer(inner)
	}

	if len(corpus) == 0 {
		return nil, fmt.Errorf("no tokenizer at %s and no corpus to train one", tokPath)
	}

	bpe := models.NewBPE()
	inner := tk.NewTokenizer(bpe)
	inner.WithNormalizer(normalizers.NewSequence(
		normalizers.NewNFKC(),
		normalizers.NewLowercase(),
	))
	inner.WithPreTokenizer(pretokenizers.NewWhitespaceSplit())

	tr := trainers.NewBpeTrainer()
	tr.VocabSize = vocabSize
	tr.SpecialTokens = []string{PadToken, BosToken, EosToken, UnkToken}

	tmp, err := writeCorpusTemp(corpus)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if err := inner.Train(tr, []string{tmp}); err != nil {
		return nil, fmt.Errorf("train tokenizer: %w", err)
	}
	if dir := filepath.Dir(tokPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := inner.Save(tokPath); err != nil {
		return nil, fmt.Errorf("save tokenizer %s: %w", tokPath, err)
	}
	return wrapTokenizer(inner)
}

// writeCorpusTemp dumps the corpus lines to a temp file, since the trainer
// only takes file paths.
func writeCorpusTemp(lines []string) (string, error) {
	f, err := os.CreateTemp("", "bpe-corpus-*.txt")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func wrapTokenizer(inner *tk.Tokenizer) (*Tokenizer, error) {
	vocab := inner.GetVocab(true)
	t := &Tokenizer{
		inner:     inner,
		tokenToID: make(map[string]int, len(vocab)),
		idToToken: make([]string, len(vocab)),
	}
	for tok, id := range vocab {
		t.tokenToID[tok] = id
		t.idToToken[id] = tok
	}
	for _, special := range []struct {
		tok string
		dst *int
	}{
		{PadToken, &t.padID},
		{BosToken, &t.bosID},
		{EosToken, &t.eosID},
		{UnkToken, &t.unkID},
	} {
		id, ok := t.tokenToID[special.tok]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocabulary missing %s", special.tok)
		}
		*special.dst = id
	}
	return t, nil
}

// Encode turns raw text into token ids without sequence markers; the caller
// adds bos/eos/pad when framing a training example.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	enc, err := t.inner.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v)
	}
	return out, nil
}

// Decode maps ids back to surface text, skipping the special tokens.
func (t *Tokenizer) Decode(ids []int) string {
	var parts []string
	for _, id := range ids {
		if id < 0 || id >= len(t.idToToken) {
			continue
		}
		if id == t.padID || id == t.bosID || id == t.eosID {
			continue
		}
		parts = append(parts, t.idToToken[id])
	}
	return strings.Join(parts, " ")
}

func (t *Tokenizer) VocabSize() int { return len(t.idToToken) }
func (t *Tokenizer) PadID() int     { return t.padID }
func (t *Tokenizer) BosID() int     { return t.bosID }
func (t *Tokenizer) EosID() int     { return t.eosID }
func (t *Tokenizer) UnkID() int     { return t.unkID }
