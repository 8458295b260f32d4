package transformer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/optimizations"
	"github.com/seq2seq/utils"
)

// ErrInvalidToken reports a token id outside the embedding table. Ids are
// never clamped or wrapped.
var ErrInvalidToken = errors.New("token id outside vocabulary")

// Embedding maps token ids to dense columns, scaled by sqrt(dModel) so the
// positional signal does not dominate at initialization.
type Embedding struct {
	DModel int
	Vocab  int
	Table  *optimizations.Param // (dModel x vocab)
}

func NewEmbedding(dModel, vocab int) *Embedding {
	return &Embedding{
		DModel: dModel,
		Vocab:  vocab,
		Table:  optimizations.NewParam(dModel, vocab, utils.RandomArray(dModel*vocab, float64(dModel))),
	}
}

// Forward looks up each id and returns (dModel x len(ids)).
func (e *Embedding) Forward(ids []int) (*mat.Dense, error) {
	scale := math.Sqrt(float64(e.DModel))
	out := mat.NewDense(e.DModel, len(ids), nil)
	for t, id := range ids {
		if id < 0 || id >= e.Vocab {
			return nil, fmt.Errorf("embedding lookup at position %d: id %d: %w", t, id, ErrInvalidToken)
		}
		for i := 0; i < e.DModel; i++ {
			out.Set(i, t, e.Table.W.At(i, id)*scale)
		}
	}
	return out, nil
}

// Backward scatters dX columns into the gradient of the looked-up rows.
func (e *Embedding) Backward(dX *mat.Dense, ids []int) {
	scale := math.Sqrt(float64(e.DModel))
	g := mat.NewDense(e.DModel, e.Vocab, nil)
	for t, id := range ids {
		for i := 0; i < e.DModel; i++ {
			g.Set(i, id, g.At(i, id)+dX.At(i, t)*scale)
		}
	}
	e.Table.Accumulate(g)
}

func (e *Embedding) Params() []*optimizations.Param {
	return []*optimizations.Param{e.Table}
}

// PositionalEncoding holds the precomputed sinusoidal table
// sin(p/10000^(2i/d)), cos(p/10000^(2i/d)). The table is deterministic,
// never learned, and excluded from checkpoints; it is rebuilt on demand.
type PositionalEncoding struct {
	DModel int
	MaxLen int
	Drop   *utils.Dropout

	table *mat.Dense // (dModel x maxLen)
}

func NewPositionalEncoding(dModel, maxLen int, dropout float64) *PositionalEncoding {
	pe := &PositionalEncoding{
		DModel: dModel,
		MaxLen: maxLen,
		Drop:   utils.NewDropout(dropout),
	}
	pe.table = sinCosTable(dModel, maxLen)
	return pe
}

func sinCosTable(d, maxLen int) *mat.Dense {
	out := mat.NewDense(d, maxLen, nil)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < d; i++ {
			denom := math.Pow(10000, float64(2*(i/2))/float64(d))
			val := float64(pos) / denom
			if i%2 == 0 {
				out.Set(i, pos, math.Sin(val))
			} else {
				out.Set(i, pos, math.Cos(val))
			}
		}
	}
	return out
}

// Forward adds the position columns for [0, T) and applies dropout when
// training. T beyond MaxLen is a caller bug: sequences are truncated before
// they reach the model.
func (pe *PositionalEncoding) Forward(X *mat.Dense, train bool) *mat.Dense {
	if pe.table == nil {
		pe.table = sinCosTable(pe.DModel, pe.MaxLen)
	}
	if pe.Drop == nil {
		pe.Drop = utils.NewDropout(0)
	}
	d, T := X.Dims()
	if T > pe.MaxLen {
		panic(fmt.Sprintf("positional encoding: sequence length %d exceeds max %d", T, pe.MaxLen))
	}
	out := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		for i := 0; i < d; i++ {
			out.Set(i, t, X.At(i, t)+pe.table.At(i, t))
		}
	}
	return pe.Drop.Forward(out, train)
}

// Backward passes the gradient through dropout; the table itself has no
// parameters.
func (pe *PositionalEncoding) Backward(dY *mat.Dense) *mat.Dense {
	return pe.Drop.Backward(dY)
}

// At exposes one encoding column for tests and inspection.
func (pe *PositionalEncoding) At(i, pos int) float64 {
	if pe.table == nil {
		pe.table = sinCosTable(pe.DModel, pe.MaxLen)
	}
	return pe.table.At(i, pos)
}
