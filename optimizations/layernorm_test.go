package optimizations

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func randomData(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rand.NormFloat64()
	}
	return out
}

func TestLayerNormColumnStats(t *testing.T) {
	rand.Seed(42)
	d, T := 16, 3
	ln := NewLayerNorm(d, 1e-6)
	X := mat.NewDense(d, T, randomData(d*T))
	out := ln.Forward(X)

	for c := 0; c < T; c++ {
		mean := 0.0
		for i := 0; i < d; i++ {
			mean += out.At(i, c)
		}
		mean /= float64(d)
		if math.Abs(mean) > 1e-9 {
			t.Fatalf("column %d mean = %g, want 0", c, mean)
		}
		variance := 0.0
		for i := 0; i < d; i++ {
			diff := out.At(i, c) - mean
			variance += diff * diff
		}
		variance /= float64(d)
		if math.Abs(variance-1.0) > 1e-3 {
			t.Fatalf("column %d variance = %g, want 1", c, variance)
		}
	}
}

func TestLayerNormGradCheck(t *testing.T) {
	rand.Seed(9)
	d, T := 5, 2
	ln := NewLayerNorm(d, 1e-6)
	// non-trivial gamma/beta so their gradient paths are exercised
	for i := 0; i < d; i++ {
		ln.Gamma.W.Set(i, 0, 1.0+0.1*float64(i))
		ln.Beta.W.Set(i, 0, 0.05*float64(i))
	}
	X := mat.NewDense(d, T, randomData(d*T))
	coeff := mat.NewDense(d, T, randomData(d*T))

	// scalar loss: fixed random weighting of the outputs
	forward := func() float64 {
		out := ln.Forward(X)
		sum := 0.0
		for i := 0; i < d; i++ {
			for j := 0; j < T; j++ {
				sum += coeff.At(i, j) * out.At(i, j)
			}
		}
		return sum
	}

	forward()
	dX := ln.Backward(coeff)

	eps := 1e-6
	check := func(name string, w, grad *mat.Dense, i, j int) {
		w0 := w.At(i, j)
		w.Set(i, j, w0+eps)
		lp := forward()
		w.Set(i, j, w0-eps)
		lm := forward()
		w.Set(i, j, w0)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-grad.At(i, j)) > 1e-4 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, num, grad.At(i, j))
		}
	}

	check("Gamma", ln.Gamma.W, ln.Gamma.Grad(), 2, 0)
	check("Beta", ln.Beta.W, ln.Beta.Grad(), 3, 0)
	check("X", X, dX, 1, 1)
	check("X", X, dX, 4, 0)
}
