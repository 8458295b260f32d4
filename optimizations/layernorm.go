package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes each column (one sequence position) across the
// feature dimension, then rescales with learned gamma and beta.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *Param // (d x 1)
	Beta  *Param // (d x 1)

	// cache
	lastInput *mat.Dense
	xhat      *mat.Dense
	invStd    []float64
}

func NewLayerNorm(d int, eps float64) *LayerNorm {
	ones := make([]float64, d)
	for i := range ones {
		ones[i] = 1.0
	}
	return &LayerNorm{
		D:     d,
		Eps:   eps,
		Gamma: NewParam(d, 1, ones),
		Beta:  NewParam(d, 1, nil),
	}
}

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.W.At(i, 0)*n+ln.Beta.W.At(i, 0))
		}
	}
	ln.lastInput = X
	ln.xhat = xhat
	ln.invStd = inv
	return out
}

// Backward accumulates gamma/beta gradients and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	dGamma := mat.NewDense(d, 1, nil)
	dBeta := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		dGamma.Set(i, 0, sumDG)
		dBeta.Set(i, 0, sumDB)
	}
	ln.Gamma.Accumulate(dGamma)
	ln.Beta.Accumulate(dBeta)

	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.invStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.W.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.W.At(i, 0)
			dxi := (float64(d)*gy - sum1 - ln.xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX
}

// Params lists the learnable tensors for the optimizer walk.
func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}
