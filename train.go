package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/IO"
	"github.com/seq2seq/params"
	"github.com/seq2seq/transformer"
	"github.com/seq2seq/utils"
)

// errNonFiniteLoss aborts training: a NaN or Inf loss means the parameters
// are already damaged, and stepping on its gradient would spread the damage.
var errNonFiniteLoss = errors.New("non-finite loss")

// trainState bundles everything the epoch loop needs: the model, the framed
// examples, both tokenizers, and the resume position.
type trainState struct {
	model  *transformer.Transformer
	srcTok *IO.Tokenizer
	tgtTok *IO.Tokenizer

	train []IO.Example
	val   []IO.Pair

	epoch      int
	batchStart int // batch index to resume at within epoch
	globalStep int
}

// RunTraining drives the whole training run: data, tokenizers, model (fresh
// or resumed), then MaxEpochs of teacher-forced batches with per-epoch
// validation samples.
func RunTraining() error {
	cfg := &params.Config

	st, err := setupTraining(cfg)
	if err != nil {
		return err
	}
	return runEpochs(st, cfg, st.srcTok.PadID(), st.tgtTok.PadID())
}

// runEpochs drives the epoch/batch loop from the state's resume position
// through MaxEpochs.
func runEpochs(st *trainState, cfg *params.TrainingConfig, srcPad, tgtPad int) error {
	for e := st.epoch; e < cfg.MaxEpochs; e++ {
		// Each epoch shuffles with its own derived seed, so resuming
		// mid-epoch replays the identical batch order.
		rng := rand.New(rand.NewSource(cfg.Seed + int64(e)))
		perm := rng.Perm(len(st.train))

		startBatch := 0
		if e == st.epoch {
			startBatch = st.batchStart
		}

		var epochLoss float64
		var epochTokens int
		start := time.Now()

		nBatches := (len(st.train) + cfg.BatchSize - 1) / cfg.BatchSize
		for b := startBatch; b < nBatches; b++ {
			lo := b * cfg.BatchSize
			hi := lo + cfg.BatchSize
			if hi > len(st.train) {
				hi = len(st.train)
			}
			batch := make([]IO.Example, hi-lo)
			for i, idx := range perm[lo:hi] {
				batch[i] = st.train[idx]
			}
			IO.PadBatch(batch, srcPad, tgtPad)

			loss, tokens, err := trainBatch(st.model, batch, srcPad, tgtPad)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", e, b, err)
			}
			epochLoss += loss
			epochTokens += tokens

			st.model.ClipGradients(cfg.GradClip)
			lr := utils.LRSchedule(st.globalStep, cfg.WarmupSteps, cfg.DecaySteps, cfg.LR)
			st.model.Step(lr)
			st.globalStep++

			if cfg.SaveEverySteps > 0 && st.globalStep%cfg.SaveEverySteps == 0 {
				if err := saveProgress(st, cfg, e, b+1); err != nil {
					return err
				}
			}
		}

		avg := 0.0
		if epochTokens > 0 {
			avg = epochLoss / float64(epochTokens)
		}
		fmt.Printf("Epoch %d - TokLoss: %.4f, PPL: %.1f, Steps: %d, Time: %v\n",
			e, avg, math.Exp(avg), st.globalStep, time.Since(start))

		if err := saveProgress(st, cfg, e+1, 0); err != nil {
			return err
		}
		runValidation(st.model, st.srcTok, st.tgtTok, st.val, cfg)
	}
	return nil
}

// trainBatch accumulates gradients over one padded batch and returns the
// summed token loss and the number of non-pad label tokens that contributed.
// Examples carrying out-of-vocabulary ids are skipped with a warning; a
// non-finite loss aborts the run. Accumulated gradients are normalized by
// the token count afterwards, so the later Step sees the batch mean.
func trainBatch(model *transformer.Transformer, batch []IO.Example, srcPad, tgtPad int) (float64, int, error) {
	var batchLoss float64
	tokens := 0
	for _, ex := range batch {
		exTokens, ok := countLabelTokens(ex.Label, tgtPad, model.TgtVocab)
		if !ok {
			fmt.Fprintf(os.Stderr, "warning: skipping example: label: %v\n", transformer.ErrInvalidToken)
			continue
		}
		if exTokens == 0 {
			continue
		}

		srcMask := utils.PaddingMask(ex.EncInput, srcPad, len(ex.EncInput))
		memory, err := model.Encode(ex.EncInput, srcMask, true)
		if err != nil {
			if errors.Is(err, transformer.ErrInvalidToken) {
				fmt.Fprintf(os.Stderr, "warning: skipping example: %v\n", err)
				continue
			}
			return 0, 0, err
		}

		T := len(ex.DecInput)
		tgtMask := utils.AddMasks(utils.CausalMask(T), utils.PaddingMask(ex.DecInput, tgtPad, T))
		crossMask := utils.PaddingMask(ex.EncInput, srcPad, T)
		Y, err := model.Decode(ex.DecInput, memory, crossMask, tgtMask, true)
		if err != nil {
			if errors.Is(err, transformer.ErrInvalidToken) {
				fmt.Fprintf(os.Stderr, "warning: skipping example: %v\n", err)
				continue
			}
			return 0, 0, err
		}
		logits := model.Project(Y) // (vocab x T)

		vocab, _ := logits.Dims()
		dLogits := mat.NewDense(vocab, T, nil)
		for t := 0; t < T; t++ {
			gold := ex.Label[t]
			if gold == tgtPad {
				continue
			}
			col := logits.Slice(0, vocab, t, t+1).(*mat.Dense)
			loss, grad := utils.CrossEntropyWithIndex(col, gold)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return 0, 0, fmt.Errorf("position %d: %w", t, errNonFiniteLoss)
			}
			batchLoss += loss
			for i := 0; i < vocab; i++ {
				dLogits.Set(i, t, grad.At(i, 0))
			}
		}
		model.Backward(dLogits)
		tokens += exTokens
	}
	if tokens == 0 {
		return 0, 0, nil
	}

	inv := 1.0 / float64(tokens)
	for _, p := range model.Params() {
		if g := p.Grad(); g != nil {
			g.Scale(inv, g)
		}
	}
	return batchLoss, tokens, nil
}

// countLabelTokens counts non-pad labels; ok is false when any label lies
// outside the target vocabulary.
func countLabelTokens(label []int, tgtPad, vocab int) (int, bool) {
	n := 0
	for _, id := range label {
		if id == tgtPad {
			continue
		}
		if id < 0 || id >= vocab {
			return 0, false
		}
		n++
	}
	return n, true
}

// setupTraining loads the pairs, trains or loads both tokenizers, frames the
// training examples, and either resumes from the newest checkpoint or builds
// a fresh model.
func setupTraining(cfg *params.TrainingConfig) (*trainState, error) {
	pairs, err := IO.LoadPairs(cfg.DataFile)
	if err != nil {
		return nil, err
	}
	trainPairs, valPairs := IO.SplitPairs(pairs, cfg.ValFrac, cfg.Seed)
	fmt.Printf("Loaded %d pairs (%d train, %d val)\n", len(pairs), len(trainPairs), len(valPairs))

	srcCorpus, tgtCorpus := IO.CorpusSides(trainPairs)
	srcTok, err := IO.TrainOrLoadTokenizer(fmt.Sprintf(cfg.TokenizerFile, cfg.LangSrc), srcCorpus, cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	tgtTok, err := IO.TrainOrLoadTokenizer(fmt.Sprintf(cfg.TokenizerFile, cfg.LangTgt), tgtCorpus, cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Vocab sizes: %s=%d %s=%d\n", cfg.LangSrc, srcTok.VocabSize(), cfg.LangTgt, tgtTok.VocabSize())

	examples := make([]IO.Example, 0, len(trainPairs))
	for _, p := range trainPairs {
		ex, err := IO.MakeExample(srcTok, tgtTok, p, cfg.SeqLen)
		if err != nil {
			return nil, err
		}
		examples = append(examples, ex)
	}

	st := &trainState{srcTok: srcTok, tgtTok: tgtTok, train: examples, val: valPairs}

	if ck := tryResume(cfg); ck != nil {
		if ck.Model.SrcVocab != srcTok.VocabSize() || ck.Model.TgtVocab != tgtTok.VocabSize() {
			return nil, fmt.Errorf("checkpoint vocab (%d/%d) does not match tokenizers (%d/%d)",
				ck.Model.SrcVocab, ck.Model.TgtVocab, srcTok.VocabSize(), tgtTok.VocabSize())
		}
		st.model = ck.Model
		st.epoch = ck.Epoch
		st.batchStart = ck.BatchInEpoch
		st.globalStep = ck.GlobalStep
		fmt.Printf("Resumed at epoch %d batch %d step %d\n", ck.Epoch, ck.BatchInEpoch, ck.GlobalStep)
		return st, nil
	}

	model, err := transformer.NewTransformer(srcTok.VocabSize(), tgtTok.VocabSize(), cfg)
	if err != nil {
		return nil, err
	}
	st.model = model
	return st, nil
}

// tryResume resolves Preload to a checkpoint. A corrupt file is reported and
// skipped; training then starts fresh rather than dying on a torn write.
func tryResume(cfg *params.TrainingConfig) *transformer.Checkpoint {
	if cfg.Preload == "" {
		return nil
	}
	var path string
	if cfg.Preload == "latest" {
		path = transformer.LatestCheckpointPath(cfg.ModelFolder, cfg.ModelBasename)
		if path == "" {
			return nil
		}
	} else {
		path = filepath.Join(cfg.ModelFolder, cfg.Preload)
	}
	ck, err := transformer.LoadCheckpoint(path)
	if err != nil {
		if errors.Is(err, transformer.ErrCheckpointCorrupt) {
			fmt.Fprintf(os.Stderr, "warning: %v; starting fresh\n", err)
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		fmt.Fprintf(os.Stderr, "warning: cannot read checkpoint %s: %v; starting fresh\n", path, err)
		return nil
	}
	return ck
}

func saveProgress(st *trainState, cfg *params.TrainingConfig, epoch, batch int) error {
	path, err := transformer.SaveCheckpoint(cfg.ModelFolder, cfg.ModelBasename, &transformer.Checkpoint{
		Model:        st.model,
		Epoch:        epoch,
		BatchInEpoch: batch,
		GlobalStep:   st.globalStep,
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}

// runValidation greedy-decodes a few held-out pairs so the console shows
// what the model actually produces, not just a loss number.
func runValidation(model *transformer.Transformer, srcTok, tgtTok *IO.Tokenizer, val []IO.Pair, cfg *params.TrainingConfig) {
	if len(val) == 0 || srcTok == nil {
		return
	}
	n := cfg.ValExamples
	if n > len(val) {
		n = len(val)
	}
	for i := 0; i < n; i++ {
		p := val[i]
		ids, err := srcTok.Encode(p.Src)
		if err != nil {
			fmt.Fprintf(os.Stderr, "validation encode: %v\n", err)
			continue
		}
		if max := cfg.SeqLen - 2; len(ids) > max {
			ids = ids[:max]
		}
		enc := append([]int{srcTok.BosID()}, append(ids, srcTok.EosID())...)

		out, terminated, err := model.GreedyDecode(enc, tgtTok.BosID(), tgtTok.EosID(), srcTok.PadID(), tgtTok.PadID(), cfg.DecodeLimit())
		if err != nil {
			fmt.Fprintf(os.Stderr, "validation decode: %v\n", err)
			continue
		}
		fmt.Println("--------------------------------------------------------------------------------")
		fmt.Printf("SOURCE:    %s\n", p.Src)
		fmt.Printf("TARGET:    %s\n", p.Tgt)
		fmt.Printf("PREDICTED: %s\n", tgtTok.Decode(out))
		if !terminated {
			fmt.Println("(prediction hit the length cap)")
		}
	}
}
