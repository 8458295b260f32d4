package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/optimizations"
	"github.com/seq2seq/utils"
)

// Projection maps decoder output columns to vocabulary logits. Softmax and
// the loss live with the training loop and the inference driver, not here.
type Projection struct {
	DModel int
	Vocab  int

	W *optimizations.Param // (vocab x dModel)
	B *optimizations.Param // (vocab x 1)

	lastInput *mat.Dense
}

func NewProjection(dModel, vocab int) *Projection {
	return &Projection{
		DModel: dModel,
		Vocab:  vocab,
		W:      optimizations.NewParam(vocab, dModel, utils.RandomArray(vocab*dModel, float64(dModel))),
		B:      optimizations.NewParam(vocab, 1, nil),
	}
}

// Forward turns (dModel x T) into logits (vocab x T).
func (p *Projection) Forward(Y *mat.Dense) *mat.Dense {
	p.lastInput = Y
	return utils.AddBias(utils.ToDense(utils.Dot(p.W.W, Y)), p.B.W)
}

// Backward accumulates weight gradients and returns dY.
func (p *Projection) Backward(dLogits *mat.Dense) *mat.Dense {
	_, T := dLogits.Dims()
	p.W.Accumulate(utils.Dot(dLogits, p.lastInput.T()))
	p.B.Accumulate(rowSums(dLogits, p.Vocab, T))
	return utils.ToDense(utils.Dot(p.W.W.T(), dLogits))
}

func (p *Projection) Params() []*optimizations.Param {
	return []*optimizations.Param{p.W, p.B}
}
