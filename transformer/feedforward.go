package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/optimizations"
	"github.com/seq2seq/utils"
)

// FeedForward is the position-wise two-layer transform
// W2*relu(W1*x + b1) + b2. It mixes features, never positions.
type FeedForward struct {
	DModel, DFF int

	W1 *optimizations.Param // (dff x dModel)
	B1 *optimizations.Param // (dff x 1)
	W2 *optimizations.Param // (dModel x dff)
	B2 *optimizations.Param // (dModel x 1)

	// cache for backprop
	lastInput *mat.Dense
	preAct    *mat.Dense
	hidden    *mat.Dense
}

func NewFeedForward(dModel, dff int) *FeedForward {
	return &FeedForward{
		DModel: dModel,
		DFF:    dff,
		W1:     optimizations.NewParam(dff, dModel, utils.RandomArray(dff*dModel, float64(dModel))),
		B1:     optimizations.NewParam(dff, 1, nil),
		W2:     optimizations.NewParam(dModel, dff, utils.RandomArray(dModel*dff, float64(dff))),
		B2:     optimizations.NewParam(dModel, 1, nil),
	}
}

func (ff *FeedForward) Forward(X *mat.Dense) *mat.Dense {
	ff.lastInput = X
	ff.preAct = utils.AddBias(utils.ToDense(utils.Dot(ff.W1.W, X)), ff.B1.W)
	ff.hidden = utils.ToDense(utils.Apply(utils.ReluApply, ff.preAct))
	return utils.AddBias(utils.ToDense(utils.Dot(ff.W2.W, ff.hidden)), ff.B2.W)
}

// Backward accumulates weight gradients and returns dX.
func (ff *FeedForward) Backward(dY *mat.Dense) *mat.Dense {
	_, T := dY.Dims()

	ff.W2.Accumulate(utils.Dot(dY, ff.hidden.T()))
	ff.B2.Accumulate(rowSums(dY, ff.DModel, T))

	dHidden := utils.ToDense(utils.Dot(ff.W2.W.T(), dY))
	dPre := utils.ToDense(utils.Multiply(dHidden, utils.ReluPrime(ff.preAct)))

	ff.W1.Accumulate(utils.Dot(dPre, ff.lastInput.T()))
	ff.B1.Accumulate(rowSums(dPre, ff.DFF, T))

	return utils.ToDense(utils.Dot(ff.W1.W.T(), dPre))
}

func (ff *FeedForward) Params() []*optimizations.Param {
	return []*optimizations.Param{ff.W1, ff.B1, ff.W2, ff.B2}
}

// rowSums collapses the time axis for bias gradients.
func rowSums(m *mat.Dense, r, T int) *mat.Dense {
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += m.At(i, t)
		}
		out.Set(i, 0, s)
	}
	return out
}
