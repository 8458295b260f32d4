package transformer

import (
	"fmt"
	"math"
	"os"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/optimizations"
	"github.com/seq2seq/utils"
)

// Attention is multi-head scaled dot-product attention over column-major
// sequences. Queries come from Xq, keys and values from Xkv, so the same
// block serves encoder self-attention, masked decoder self-attention, and
// encoder-decoder cross-attention; the caller supplies the additive mask.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Wquery  []*optimizations.Param // per head (dHead x dModel)
	Wkey    []*optimizations.Param
	Wvalue  []*optimizations.Param
	Woutput *optimizations.Param // (dModel x dModel)

	// cache for backprop
	xq, xkv *mat.Dense
	q, k, v []*mat.Dense
	a       []*mat.Dense
	ocat    *mat.Dense

	parallel bool // goroutine per head in the forward pass
}

// NewAttention fails when the head count does not divide the model width.
func NewAttention(dModel, nHeads int) (*Attention, error) {
	if nHeads <= 0 || dModel%nHeads != 0 {
		return nil, fmt.Errorf("attention: %d heads do not divide dModel %d", nHeads, dModel)
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,

		Wquery: make([]*optimizations.Param, nHeads),
		Wkey:   make([]*optimizations.Param, nHeads),
		Wvalue: make([]*optimizations.Param, nHeads),

		q: make([]*mat.Dense, nHeads),
		k: make([]*mat.Dense, nHeads),
		v: make([]*mat.Dense, nHeads),
		a: make([]*mat.Dense, nHeads),

		parallel: os.Getenv("HEAD_PAR") == "1",
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
		attn.Wkey[h] = optimizations.NewParam(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
		attn.Wvalue[h] = optimizations.NewParam(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
	}
	attn.Woutput = optimizations.NewParam(dModel, dModel, utils.RandomArray(dModel*dModel, float64(dModel)))
	return attn, nil
}

// Forward computes attention with queries from Xq (d x Tq) and keys/values
// from Xkv (d x Tk). mask is additive (Tq x Tk) or nil.
func (attn *Attention) Forward(Xq, Xkv, mask *mat.Dense) *mat.Dense {
	// Caches are runtime-only state; a model loaded from a checkpoint
	// arrives without them.
	if len(attn.q) != attn.H {
		attn.q = make([]*mat.Dense, attn.H)
		attn.k = make([]*mat.Dense, attn.H)
		attn.v = make([]*mat.Dense, attn.H)
		attn.a = make([]*mat.Dense, attn.H)
		attn.parallel = os.Getenv("HEAD_PAR") == "1"
	}
	attn.xq, attn.xkv = Xq, Xkv
	_, Tq := Xq.Dims()
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	headsCat := mat.NewDense(attn.DModel, Tq, nil)

	work := func(h int) {
		attn.q[h] = utils.ToDense(utils.Dot(attn.Wquery[h].W, Xq))
		attn.k[h] = utils.ToDense(utils.Dot(attn.Wkey[h].W, Xkv))
		attn.v[h] = utils.ToDense(utils.Dot(attn.Wvalue[h].W, Xkv))
		// S = (Q^T K)/sqrt(dHead) + mask
		scores := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.q[h].T(), attn.k[h])))
		attn.a[h] = utils.RowSoftmaxMasked(scores, mask)
		// O = V A^T
		o := utils.ToDense(utils.Dot(attn.v[h], attn.a[h].T()))
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, Tq).(*mat.Dense)
		dst.Copy(o)
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			hh := h
			go func() { defer wg.Done(); work(hh) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.ocat = headsCat
	return utils.ToDense(utils.Dot(attn.Woutput.W, headsCat))
}

// Backward accumulates weight gradients and returns the gradients with
// respect to the query input and the key/value input. For self-attention the
// caller adds the two.
func (attn *Attention) Backward(dY *mat.Dense) (dXq, dXkv *mat.Dense) {
	dq, Tq := attn.xq.Dims()
	dk, Tk := attn.xkv.Dims()
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	attn.Woutput.Accumulate(utils.Dot(dY, attn.ocat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.W.T(), dY))

	dXq = mat.NewDense(dq, Tq, nil)
	dXkv = mat.NewDense(dk, Tk, nil)

	for h := 0; h < attn.H; h++ {
		base := h * attn.DHead
		dO := dOcat.Slice(base, base+attn.DHead, 0, Tq).(*mat.Dense)

		// O = V A^T
		dV := utils.ToDense(utils.Dot(dO, attn.a[h]))             // (dHead x Tk)
		dA := utils.ToDense(utils.Dot(attn.v[h].T(), dO)).T()     // (Tq x Tk)
		dS := utils.SoftmaxBackward(dA, attn.a[h])                // (Tq x Tk)

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.k[h], dS.T()))) // (dHead x Tq)
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.q[h], dS)))     // (dHead x Tk)

		attn.Wquery[h].Accumulate(utils.Dot(dQ, attn.xq.T()))
		attn.Wkey[h].Accumulate(utils.Dot(dK, attn.xkv.T()))
		attn.Wvalue[h].Accumulate(utils.Dot(dV, attn.xkv.T()))

		dXq.Add(dXq, utils.ToDense(utils.Dot(attn.Wquery[h].W.T(), dQ)))
		dXkv.Add(dXkv, utils.ToDense(utils.Dot(attn.Wkey[h].W.T(), dK)))
		dXkv.Add(dXkv, utils.ToDense(utils.Dot(attn.Wvalue[h].W.T(), dV)))
	}
	return dXq, dXkv
}

// Weights returns attention weights from the last forward pass, per head.
func (attn *Attention) Weights() []*mat.Dense { return attn.a }

func (attn *Attention) Params() []*optimizations.Param {
	out := make([]*optimizations.Param, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(out, attn.Woutput)
}
