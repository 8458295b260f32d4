package utils

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout is inverted dropout: kept entries are scaled by 1/(1-P) so
// inference needs no rescaling. The mask from the last training forward is
// cached for the backward pass.
type Dropout struct {
	P float64

	mask *mat.Dense
}

func NewDropout(p float64) *Dropout {
	return &Dropout{P: p}
}

// Forward returns X untouched when not training or P<=0; otherwise samples a
// fresh mask and applies it.
func (d *Dropout) Forward(X *mat.Dense, train bool) *mat.Dense {
	if !train || d.P <= 0 {
		d.mask = nil
		return X
	}
	r, c := X.Dims()
	keep := 1.0 / (1.0 - d.P)
	mask := mat.NewDense(r, c, nil)
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rand.Float64() >= d.P {
				mask.Set(i, j, keep)
				out.Set(i, j, X.At(i, j)*keep)
			}
		}
	}
	d.mask = mask
	return out
}

// Backward multiplies by the cached mask (identity if the last forward was
// an inference pass).
func (d *Dropout) Backward(dY *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dY
	}
	return ToDense(Multiply(dY, d.mask))
}
