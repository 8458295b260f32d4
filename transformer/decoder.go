package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/optimizations"
	"github.com/seq2seq/utils"
)

// DecoderLayer: residual(masked self-attention) then residual(cross-
// attention into the encoder memory) then residual(feed-forward). The
// combined causal+padding mask on self-attention is what keeps position i
// from seeing positions j > i during teacher forcing.
type DecoderLayer struct {
	SelfAttn  *Attention
	CrossAttn *Attention
	Ff        *FeedForward

	Norm1, Norm2, Norm3 *optimizations.LayerNorm
	Drop1, Drop2, Drop3 *utils.Dropout
}

func NewDecoderLayer(dModel, dff, nHeads int, dropout float64) (*DecoderLayer, error) {
	self, err := NewAttention(dModel, nHeads)
	if err != nil {
		return nil, err
	}
	cross, err := NewAttention(dModel, nHeads)
	if err != nil {
		return nil, err
	}
	return &DecoderLayer{
		SelfAttn:  self,
		CrossAttn: cross,
		Ff:        NewFeedForward(dModel, dff),
		Norm1:     optimizations.NewLayerNorm(dModel, lnEps),
		Norm2:     optimizations.NewLayerNorm(dModel, lnEps),
		Norm3:     optimizations.NewLayerNorm(dModel, lnEps),
		Drop1:     utils.NewDropout(dropout),
		Drop2:     utils.NewDropout(dropout),
		Drop3:     utils.NewDropout(dropout),
	}, nil
}

// Forward runs one decoder layer. srcMask masks padded source keys in
// cross-attention; tgtMask is the combined causal+padding self-attention
// mask.
func (l *DecoderLayer) Forward(X, memory, srcMask, tgtMask *mat.Dense, train bool) *mat.Dense {
	n1 := l.Norm1.Forward(X)
	a := l.Drop1.Forward(l.SelfAttn.Forward(n1, n1, tgtMask), train)
	x1 := utils.ToDense(utils.Add(X, a))

	n2 := l.Norm2.Forward(x1)
	c := l.Drop2.Forward(l.CrossAttn.Forward(n2, memory, srcMask), train)
	x2 := utils.ToDense(utils.Add(x1, c))

	n3 := l.Norm3.Forward(x2)
	f := l.Drop3.Forward(l.Ff.Forward(n3), train)
	return utils.ToDense(utils.Add(x2, f))
}

// Backward returns the gradient for the layer input and for the encoder
// memory this layer cross-attended to.
func (l *DecoderLayer) Backward(dY *mat.Dense) (dX, dMemory *mat.Dense) {
	dF := l.Drop3.Backward(dY)
	dN3 := l.Ff.Backward(dF)
	dX2 := utils.ToDense(utils.Add(dY, l.Norm3.Backward(dN3)))

	dC := l.Drop2.Backward(dX2)
	dN2, dMemory := l.CrossAttn.Backward(dC)
	dX1 := utils.ToDense(utils.Add(dX2, l.Norm2.Backward(dN2)))

	dA := l.Drop1.Backward(dX1)
	dQ, dKV := l.SelfAttn.Backward(dA)
	dN1 := utils.ToDense(utils.Add(dQ, dKV))
	dX = utils.ToDense(utils.Add(dX1, l.Norm1.Backward(dN1)))
	return dX, dMemory
}

func (l *DecoderLayer) Params() []*optimizations.Param {
	var out []*optimizations.Param
	out = append(out, l.SelfAttn.Params()...)
	out = append(out, l.CrossAttn.Params()...)
	out = append(out, l.Ff.Params()...)
	out = append(out, l.Norm1.Params()...)
	out = append(out, l.Norm2.Params()...)
	out = append(out, l.Norm3.Params()...)
	return out
}

// Decoder stacks N decoder layers over a shared encoder memory and
// normalizes the final output.
type Decoder struct {
	Layers []*DecoderLayer
	Norm   *optimizations.LayerNorm
}

func NewDecoder(n, dModel, dff, nHeads int, dropout float64) (*Decoder, error) {
	dec := &Decoder{
		Layers: make([]*DecoderLayer, n),
		Norm:   optimizations.NewLayerNorm(dModel, lnEps),
	}
	for i := range dec.Layers {
		l, err := NewDecoderLayer(dModel, dff, nHeads, dropout)
		if err != nil {
			return nil, err
		}
		dec.Layers[i] = l
	}
	return dec, nil
}

func (d *Decoder) Forward(X, memory, srcMask, tgtMask *mat.Dense, train bool) *mat.Dense {
	for _, l := range d.Layers {
		X = l.Forward(X, memory, srcMask, tgtMask, train)
	}
	return d.Norm.Forward(X)
}

// Backward returns the gradient for the decoder input and the summed
// gradient for the encoder memory across all layers.
func (d *Decoder) Backward(dY *mat.Dense) (dX, dMemory *mat.Dense) {
	dY = d.Norm.Backward(dY)
	for i := len(d.Layers) - 1; i >= 0; i-- {
		var dMem *mat.Dense
		dY, dMem = d.Layers[i].Backward(dY)
		if dMemory == nil {
			dMemory = dMem
		} else {
			dMemory.Add(dMemory, dMem)
		}
	}
	return dY, dMemory
}

func (d *Decoder) Params() []*optimizations.Param {
	var out []*optimizations.Param
	for _, l := range d.Layers {
		out = append(out, l.Params()...)
	}
	return append(out, d.Norm.Params()...)
}
