package main

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/IO"
	"github.com/seq2seq/params"
	"github.com/seq2seq/transformer"
	"github.com/seq2seq/utils"
)

func tinyModel(t *testing.T, srcVocab, tgtVocab int) *transformer.Transformer {
	t.Helper()
	cfg := params.Config
	cfg.DModel = 8
	cfg.DFF = 16
	cfg.NumHeads = 2
	cfg.Layers = 1
	cfg.SeqLen = 16
	cfg.Dropout = 0
	model, err := transformer.NewTransformer(srcVocab, tgtVocab, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	return model
}

func TestTrainBatchProducesFiniteLossAndMovesWeights(t *testing.T) {
	rand.Seed(1)
	model := tinyModel(t, 9, 10)
	srcPad, tgtPad := 0, 0

	batch := []IO.Example{
		{EncInput: []int{1, 4, 5, 2}, DecInput: []int{1, 6, 7}, Label: []int{6, 7, 2}},
		{EncInput: []int{1, 3, 2, 0}, DecInput: []int{1, 8, 0}, Label: []int{8, 2, 0}},
	}

	loss, tokens, err := trainBatch(model, batch, srcPad, tgtPad)
	if err != nil {
		t.Fatal(err)
	}
	// pad labels (one in the second example) do not count
	if tokens != 5 {
		t.Fatalf("counted %d label tokens, want 5", tokens)
	}
	if loss <= 0 || math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("batch loss = %g, want finite positive", loss)
	}

	w := model.Proj.W.W
	before := w.At(0, 0)
	model.ClipGradients(1.0)
	model.Step(1e-3)
	if w.At(0, 0) == before {
		t.Fatal("optimizer step left the projection weight unchanged")
	}
	if g := model.Proj.W.Grad(); g != nil {
		t.Fatal("Step must clear accumulated gradients")
	}
}

func tinyExamples() []IO.Example {
	return []IO.Example{
		{EncInput: []int{1, 4, 5, 2}, DecInput: []int{1, 6, 7}, Label: []int{6, 7, 2}},
		{EncInput: []int{1, 3, 2}, DecInput: []int{1, 8}, Label: []int{8, 2}},
		{EncInput: []int{1, 5, 2}, DecInput: []int{1, 7, 6}, Label: []int{7, 6, 2}},
		{EncInput: []int{1, 4, 3, 2}, DecInput: []int{1, 6}, Label: []int{6, 2}},
		{EncInput: []int{1, 3, 5, 2}, DecInput: []int{1, 8, 6}, Label: []int{8, 6, 2}},
	}
}

func TestTrainBatchSkipsInvalidExample(t *testing.T) {
	rand.Seed(3)
	model := tinyModel(t, 9, 10)

	batch := []IO.Example{
		{EncInput: []int{1, 4, 5, 2}, DecInput: []int{1, 6, 7}, Label: []int{6, 7, 2}},
		{EncInput: []int{1, 99, 2}, DecInput: []int{1, 6}, Label: []int{6, 2}}, // source id out of vocab
		{EncInput: []int{1, 3, 2}, DecInput: []int{1, 6}, Label: []int{6, 99}}, // label out of vocab
	}
	loss, tokens, err := trainBatch(model, batch, 0, 0)
	if err != nil {
		t.Fatalf("bad examples must be skipped, not fatal: %v", err)
	}
	if tokens != 3 {
		t.Fatalf("counted %d label tokens, want 3 from the one good example", tokens)
	}
	if loss <= 0 {
		t.Fatalf("loss = %g, want positive from the good example", loss)
	}

	before := model.Proj.W.W.At(0, 0)
	model.Step(1e-3)
	if model.Proj.W.W.At(0, 0) == before {
		t.Fatal("the good example must still produce an optimizer update")
	}
}

// Two runs over the same batch from identical initial states must produce
// bit-identical parameters.
func TestTrainingStepDeterminism(t *testing.T) {
	batch := make([]IO.Example, 2)
	copy(batch, tinyExamples()[:2])
	IO.PadBatch(batch, 0, 0)

	rand.Seed(29)
	a := tinyModel(t, 9, 10)
	rand.Seed(29)
	b := tinyModel(t, 9, 10)

	la, ta, err := trainBatch(a, batch, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	a.ClipGradients(1.0)
	a.Step(1e-3)

	lb, tb, err := trainBatch(b, batch, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	b.ClipGradients(1.0)
	b.Step(1e-3)

	if la != lb || ta != tb {
		t.Fatalf("loss/tokens %g/%d vs %g/%d, want identical", la, ta, lb, tb)
	}
	pa, pb := a.Params(), b.Params()
	for i := range pa {
		if !mat.Equal(pa[i].W, pb[i].W) {
			t.Fatalf("param %d differs between identical runs", i)
		}
	}
}

// A run interrupted mid-epoch and resumed from its checkpoint must replay
// the remaining batches in the same order and land on exactly the same
// parameters as a run that was never interrupted.
func TestResumeReplaysInterruptedRun(t *testing.T) {
	examples := tinyExamples()

	cfg := params.Config
	cfg.DModel, cfg.DFF, cfg.NumHeads, cfg.Layers = 8, 16, 2, 1
	cfg.SeqLen, cfg.Dropout = 16, 0
	cfg.BatchSize = 2
	cfg.MaxEpochs = 2
	cfg.Seed = 5
	cfg.LR = 1e-3
	cfg.WarmupSteps, cfg.DecaySteps = 0, 0
	cfg.GradClip = 1.0
	cfg.SaveEverySteps = 0
	cfg.ValExamples = 0
	cfg.Preload = "latest"
	cfg.ModelBasename = "tmodel_"

	cfgA := cfg
	cfgA.ModelFolder = t.TempDir()
	cfgB := cfg
	cfgB.ModelFolder = t.TempDir()

	// uninterrupted run
	rand.Seed(71)
	full, err := transformer.NewTransformer(9, 10, &cfgA)
	if err != nil {
		t.Fatal(err)
	}
	stA := &trainState{model: full, train: examples}
	if err := runEpochs(stA, &cfgA, 0, 0); err != nil {
		t.Fatal(err)
	}

	// interrupted run: identical init, one batch of epoch 0, checkpoint
	rand.Seed(71)
	part, err := transformer.NewTransformer(9, 10, &cfgB)
	if err != nil {
		t.Fatal(err)
	}
	perm := rand.New(rand.NewSource(cfgB.Seed)).Perm(len(examples))
	batch := make([]IO.Example, cfgB.BatchSize)
	for i, idx := range perm[:cfgB.BatchSize] {
		batch[i] = examples[idx]
	}
	IO.PadBatch(batch, 0, 0)
	if _, _, err := trainBatch(part, batch, 0, 0); err != nil {
		t.Fatal(err)
	}
	part.ClipGradients(cfgB.GradClip)
	part.Step(utils.LRSchedule(0, cfgB.WarmupSteps, cfgB.DecaySteps, cfgB.LR))

	stMid := &trainState{model: part, globalStep: 1}
	if err := saveProgress(stMid, &cfgB, 0, 1); err != nil {
		t.Fatal(err)
	}

	// resume from the checkpoint and finish
	ck := tryResume(&cfgB)
	if ck == nil {
		t.Fatal("tryResume found no checkpoint")
	}
	if ck.Epoch != 0 || ck.BatchInEpoch != 1 || ck.GlobalStep != 1 {
		t.Fatalf("resume position %d/%d/%d, want 0/1/1", ck.Epoch, ck.BatchInEpoch, ck.GlobalStep)
	}
	stB := &trainState{
		model:      ck.Model,
		train:      examples,
		epoch:      ck.Epoch,
		batchStart: ck.BatchInEpoch,
		globalStep: ck.GlobalStep,
	}
	if err := runEpochs(stB, &cfgB, 0, 0); err != nil {
		t.Fatal(err)
	}

	if stA.globalStep != stB.globalStep {
		t.Fatalf("step counts %d vs %d, want identical", stA.globalStep, stB.globalStep)
	}
	pa, pb := stA.model.Params(), stB.model.Params()
	if len(pa) != len(pb) {
		t.Fatalf("param counts %d vs %d", len(pa), len(pb))
	}
	for i := range pa {
		if !mat.Equal(pa[i].W, pb[i].W) {
			t.Fatalf("param %d differs between resumed and uninterrupted runs", i)
		}
		if pa[i].StepCount() != pb[i].StepCount() {
			t.Fatalf("param %d adam step count differs", i)
		}
	}
}

func TestTrainBatchEmptyLabels(t *testing.T) {
	rand.Seed(2)
	model := tinyModel(t, 9, 10)

	// every label is pad: nothing to learn from, nothing should move
	batch := []IO.Example{
		{EncInput: []int{1, 2}, DecInput: []int{1, 0}, Label: []int{0, 0}},
	}
	loss, tokens, err := trainBatch(model, batch, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if loss != 0 || tokens != 0 {
		t.Fatalf("loss=%g tokens=%d for all-pad labels, want 0/0", loss, tokens)
	}
}
