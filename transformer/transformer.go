package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/optimizations"
	"github.com/seq2seq/params"
	"github.com/seq2seq/utils"
)

// Transformer composes the embeddings, encoder, decoder, and output
// projection. Training runs Encode+Decode+Project in one teacher-forced
// pass; inference encodes once and decodes iteratively.
type Transformer struct {
	DModel   int
	SeqLen   int
	SrcVocab int
	TgtVocab int

	SrcEmbed *Embedding
	TgtEmbed *Embedding
	SrcPos   *PositionalEncoding
	TgtPos   *PositionalEncoding
	Enc      *Encoder
	Dec      *Decoder
	Proj     *Projection

	// ids from the last forward pass, needed to scatter embedding grads
	srcIDs, tgtIDs []int
}

// NewTransformer builds the full model from the config. Invalid
// architecture hyperparameters surface here, before any training starts.
func NewTransformer(srcVocab, tgtVocab int, cfg *params.TrainingConfig) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := NewEncoder(cfg.Layers, cfg.DModel, cfg.DFF, cfg.NumHeads, cfg.Dropout)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(cfg.Layers, cfg.DModel, cfg.DFF, cfg.NumHeads, cfg.Dropout)
	if err != nil {
		return nil, err
	}
	return &Transformer{
		DModel:   cfg.DModel,
		SeqLen:   cfg.SeqLen,
		SrcVocab: srcVocab,
		TgtVocab: tgtVocab,

		SrcEmbed: NewEmbedding(cfg.DModel, srcVocab),
		TgtEmbed: NewEmbedding(cfg.DModel, tgtVocab),
		SrcPos:   NewPositionalEncoding(cfg.DModel, cfg.SeqLen, cfg.Dropout),
		TgtPos:   NewPositionalEncoding(cfg.DModel, cfg.SeqLen, cfg.Dropout),
		Enc:      enc,
		Dec:      dec,
		Proj:     NewProjection(cfg.DModel, tgtVocab),
	}, nil
}

// Encode embeds the source ids and runs the encoder stack, producing the
// memory the decoder cross-attends to.
func (t *Transformer) Encode(srcIDs []int, srcMask *mat.Dense, train bool) (*mat.Dense, error) {
	X, err := t.SrcEmbed.Forward(srcIDs)
	if err != nil {
		return nil, err
	}
	t.srcIDs = srcIDs
	X = t.SrcPos.Forward(X, train)
	return t.Enc.Forward(X, srcMask, train), nil
}

// Decode embeds the target ids and runs the decoder stack against memory.
func (t *Transformer) Decode(tgtIDs []int, memory, srcMask, tgtMask *mat.Dense, train bool) (*mat.Dense, error) {
	X, err := t.TgtEmbed.Forward(tgtIDs)
	if err != nil {
		return nil, err
	}
	t.tgtIDs = tgtIDs
	X = t.TgtPos.Forward(X, train)
	return t.Dec.Forward(X, memory, srcMask, tgtMask, train), nil
}

// Project maps decoder output to vocabulary logits.
func (t *Transformer) Project(Y *mat.Dense) *mat.Dense {
	return t.Proj.Forward(Y)
}

// Backward propagates dL/dlogits through the whole model, accumulating
// gradients on every parameter. Must follow an Encode+Decode+Project pass
// over the same example.
func (t *Transformer) Backward(dLogits *mat.Dense) {
	dDec := t.Proj.Backward(dLogits)
	dDecIn, dMemory := t.Dec.Backward(dDec)

	t.TgtEmbed.Backward(t.TgtPos.Backward(dDecIn), t.tgtIDs)

	dEncIn := t.Enc.Backward(dMemory)
	t.SrcEmbed.Backward(t.SrcPos.Backward(dEncIn), t.srcIDs)
}

// Params walks every learnable tensor in the model.
func (t *Transformer) Params() []*optimizations.Param {
	var out []*optimizations.Param
	out = append(out, t.SrcEmbed.Params()...)
	out = append(out, t.TgtEmbed.Params()...)
	out = append(out, t.Enc.Params()...)
	out = append(out, t.Dec.Params()...)
	out = append(out, t.Proj.Params()...)
	return out
}

// ClipGradients rescales all accumulated gradients to a joint L2 norm of at
// most max. No-op when max <= 0.
func (t *Transformer) ClipGradients(max float64) float64 {
	if max <= 0 {
		return 1.0
	}
	var grads []*mat.Dense
	for _, p := range t.Params() {
		if g := p.Grad(); g != nil {
			grads = append(grads, g)
		}
	}
	return utils.ClipGrads(max, grads...)
}

// Step applies one Adam update to every parameter with the given learning
// rate and clears the accumulated gradients. The optimizer is the only
// writer of model parameters.
func (t *Transformer) Step(lr float64) {
	c := &params.Config
	for _, p := range t.Params() {
		p.Step(lr, c.AdamBeta1, c.AdamBeta2, c.AdamEps, c.WeightDecay)
	}
}
