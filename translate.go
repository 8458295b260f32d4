package main

import (
	"fmt"

	"github.com/seq2seq/IO"
	"github.com/seq2seq/params"
	"github.com/seq2seq/transformer"
)

// Translate loads both tokenizers and the newest checkpoint, then greedy-
// decodes the given source text. One-shot inference; training state in the
// checkpoint beyond the weights is ignored.
func Translate(text string) (string, error) {
	cfg := &params.Config

	srcTok, err := IO.TrainOrLoadTokenizer(fmt.Sprintf(cfg.TokenizerFile, cfg.LangSrc), nil, cfg.VocabSize)
	if err != nil {
		return "", fmt.Errorf("source tokenizer: %w", err)
	}
	tgtTok, err := IO.TrainOrLoadTokenizer(fmt.Sprintf(cfg.TokenizerFile, cfg.LangTgt), nil, cfg.VocabSize)
	if err != nil {
		return "", fmt.Errorf("target tokenizer: %w", err)
	}

	path := transformer.LatestCheckpointPath(cfg.ModelFolder, cfg.ModelBasename)
	if path == "" {
		return "", fmt.Errorf("no checkpoint under %s; train first", cfg.ModelFolder)
	}
	ck, err := transformer.LoadCheckpoint(path)
	if err != nil {
		return "", err
	}
	model := ck.Model
	if model.SrcVocab != srcTok.VocabSize() || model.TgtVocab != tgtTok.VocabSize() {
		return "", fmt.Errorf("checkpoint vocab (%d/%d) does not match tokenizers (%d/%d)",
			model.SrcVocab, model.TgtVocab, srcTok.VocabSize(), tgtTok.VocabSize())
	}

	ids, err := srcTok.Encode(text)
	if err != nil {
		return "", err
	}
	if max := cfg.SeqLen - 2; len(ids) > max {
		ids = ids[:max]
	}
	enc := append([]int{srcTok.BosID()}, append(ids, srcTok.EosID())...)

	out, terminated, err := model.GreedyDecode(enc, tgtTok.BosID(), tgtTok.EosID(), srcTok.PadID(), tgtTok.PadID(), cfg.DecodeLimit())
	if err != nil {
		return "", err
	}
	result := tgtTok.Decode(out)
	if !terminated {
		fmt.Println("(output hit the length cap)")
	}
	return result, nil
}
