package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/optimizations"
	"github.com/seq2seq/utils"
)

const lnEps = 1e-6

// EncoderLayer: residual(self-attention with padding mask) then
// residual(feed-forward). Pre-norm throughout: x + Dropout(f(Norm(x))).
type EncoderLayer struct {
	SelfAttn     *Attention
	Ff           *FeedForward
	Norm1, Norm2 *optimizations.LayerNorm
	Drop1, Drop2 *utils.Dropout
}

func NewEncoderLayer(dModel, dff, nHeads int, dropout float64) (*EncoderLayer, error) {
	attn, err := NewAttention(dModel, nHeads)
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{
		SelfAttn: attn,
		Ff:       NewFeedForward(dModel, dff),
		Norm1:    optimizations.NewLayerNorm(dModel, lnEps),
		Norm2:    optimizations.NewLayerNorm(dModel, lnEps),
		Drop1:    utils.NewDropout(dropout),
		Drop2:    utils.NewDropout(dropout),
	}, nil
}

func (l *EncoderLayer) Forward(X, srcMask *mat.Dense, train bool) *mat.Dense {
	n1 := l.Norm1.Forward(X)
	a := l.Drop1.Forward(l.SelfAttn.Forward(n1, n1, srcMask), train)
	x1 := utils.ToDense(utils.Add(X, a))

	n2 := l.Norm2.Forward(x1)
	f := l.Drop2.Forward(l.Ff.Forward(n2), train)
	return utils.ToDense(utils.Add(x1, f))
}

func (l *EncoderLayer) Backward(dY *mat.Dense) *mat.Dense {
	dF := l.Drop2.Backward(dY)
	dN2 := l.Ff.Backward(dF)
	dX1 := utils.ToDense(utils.Add(dY, l.Norm2.Backward(dN2)))

	dA := l.Drop1.Backward(dX1)
	dQ, dKV := l.SelfAttn.Backward(dA)
	dN1 := utils.ToDense(utils.Add(dQ, dKV))
	return utils.ToDense(utils.Add(dX1, l.Norm1.Backward(dN1)))
}

func (l *EncoderLayer) Params() []*optimizations.Param {
	var out []*optimizations.Param
	out = append(out, l.SelfAttn.Params()...)
	out = append(out, l.Ff.Params()...)
	out = append(out, l.Norm1.Params()...)
	out = append(out, l.Norm2.Params()...)
	return out
}

// Encoder stacks N identically shaped, independently parameterized layers
// and normalizes the final output, which becomes the memory the decoder
// cross-attends to.
type Encoder struct {
	Layers []*EncoderLayer
	Norm   *optimizations.LayerNorm
}

func NewEncoder(n, dModel, dff, nHeads int, dropout float64) (*Encoder, error) {
	enc := &Encoder{
		Layers: make([]*EncoderLayer, n),
		Norm:   optimizations.NewLayerNorm(dModel, lnEps),
	}
	for i := range enc.Layers {
		l, err := NewEncoderLayer(dModel, dff, nHeads, dropout)
		if err != nil {
			return nil, err
		}
		enc.Layers[i] = l
	}
	return enc, nil
}

func (e *Encoder) Forward(X, srcMask *mat.Dense, train bool) *mat.Dense {
	for _, l := range e.Layers {
		X = l.Forward(X, srcMask, train)
	}
	return e.Norm.Forward(X)
}

func (e *Encoder) Backward(dY *mat.Dense) *mat.Dense {
	dY = e.Norm.Backward(dY)
	for i := len(e.Layers) - 1; i >= 0; i-- {
		dY = e.Layers[i].Backward(dY)
	}
	return dY
}

func (e *Encoder) Params() []*optimizations.Param {
	var out []*optimizations.Param
	for _, l := range e.Layers {
		out = append(out, l.Params()...)
	}
	return append(out, e.Norm.Params()...)
}
