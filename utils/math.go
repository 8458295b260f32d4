package utils

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Matrix helpers shared by the whole model. Sequences are (d x T) matrices,
// columns are time steps.

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

// RandomArray fills a slice with uniform values in [-1/sqrt(v), 1/sqrt(v)].
func RandomArray(size int, v float64) []float64 {
	min := -1.0 / math.Sqrt(v+1e-12)
	max := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = min + (max-min)*rand.Float64()
	}
	return out
}

func OneHot(n, idx int) *mat.Dense {
	v := make([]float64, n)
	if idx >= 0 && idx < n {
		v[idx] = 1.0
	}
	return mat.NewDense(n, 1, v)
}

func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("AddBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

func LastCol(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, m.At(i, c-1))
	}
	return out
}

func MatrixNorm(m *mat.Dense) float64 {
	r, c := m.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			s += v * v
		}
	}
	return math.Sqrt(s)
}

// RowSums returns per-row sums for a mat.Dense.
func RowSums(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			sum += m.At(i, j)
		}
		out[i] = sum
	}
	return out
}

// Argmax over a (r x 1) column vector.
func Argmax(v *mat.Dense) int {
	r, c := v.Dims()
	if c != 1 {
		panic("Argmax expects a column vector")
	}
	best := 0
	bv := v.At(0, 0)
	for i := 1; i < r; i++ {
		if v.At(i, 0) > bv {
			bv = v.At(i, 0)
			best = i
		}
	}
	return best
}

// ---------- Masks ----------

// Additive attention masks: 0 where attention is allowed, maskedOut where it
// is not. maskedOut is large enough that exp(score-max) underflows to exactly
// zero after the stabilized softmax.
const maskedOut = -1e30

// CausalMask returns (T x T) with 0 on and below the diagonal, masked above.
// Row i is the query position, column j the key position.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, maskedOut)
		}
	}
	return out
}

// PaddingMask returns (Tq x len(keyIDs)) masking every key position that
// holds the pad token, for all query rows.
func PaddingMask(keyIDs []int, padID, Tq int) *mat.Dense {
	Tk := len(keyIDs)
	out := mat.NewDense(Tq, Tk, nil)
	for j, id := range keyIDs {
		if id != padID {
			continue
		}
		for i := 0; i < Tq; i++ {
			out.Set(i, j, maskedOut)
		}
	}
	return out
}

// AddMasks sums additive masks of identical shape.
func AddMasks(a, b *mat.Dense) *mat.Dense {
	return ToDense(Add(a, b))
}

// ---------- Softmax variants ----------

// RowSoftmax applies softmax independently to each row across columns.
func RowSoftmax(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		mx := m.At(i, 0)
		for j := 1; j < c; j++ {
			if v := m.At(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) - mx)
			out.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return out
}

// RowSoftmaxMasked computes softmax(m+mask) row-wise. mask may be nil.
func RowSoftmaxMasked(m, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return RowSoftmax(m)
	}
	r, c := m.Dims()
	if mr, mc := mask.Dims(); mr != r || mc != c {
		panic(fmt.Sprintf("RowSoftmaxMasked: mask (%dx%d) vs scores (%dx%d)", mr, mc, r, c))
	}
	return RowSoftmax(Add(m, mask))
}

// ColVectorSoftmax applies softmax across the single column of a (r x 1)
// vector. Used for logits -> probabilities.
func ColVectorSoftmax(v *mat.Dense) *mat.Dense {
	r, c := v.Dims()
	if c != 1 {
		panic("ColVectorSoftmax expects a (r x 1) column vector")
	}
	out := mat.NewDense(r, 1, nil)
	mx := v.At(0, 0)
	for i := 1; i < r; i++ {
		if v.At(i, 0) > mx {
			mx = v.At(i, 0)
		}
	}
	sum := 0.0
	for i := 0; i < r; i++ {
		e := math.Exp(v.At(i, 0) - mx)
		out.Set(i, 0, e)
		sum += e
	}
	for i := 0; i < r; i++ {
		out.Set(i, 0, out.At(i, 0)/sum)
	}
	return out
}

// SoftmaxBackward for row-wise softmax: for each row i,
// s = sum_k dA[i,k]*A[i,k]; dS[i,j] = A[i,j]*(dA[i,j] - s).
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- Activation ----------

func ReluApply(i, j int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// ReluPrime is the elementwise derivative given the pre-activation matrix.
func ReluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) > 0 {
				out.Set(i, j, 1)
			}
		}
	}
	return out
}

// ---------- Loss ----------

// CrossEntropyWithIndex returns -log p[gold] and dL/dlogits = p - onehot for
// a (vocab x 1) logits column. gold outside the vocab is a caller bug.
func CrossEntropyWithIndex(logits *mat.Dense, gold int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if c != 1 {
		panic("CrossEntropyWithIndex expects (r x 1) logits vector")
	}
	if gold < 0 || gold >= r {
		panic(fmt.Sprintf("CrossEntropyWithIndex: gold %d outside vocab %d", gold, r))
	}
	prob := ColVectorSoftmax(logits)
	loss := -math.Log(prob.At(gold, 0) + 1e-12)
	grad := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		grad.Set(i, 0, prob.At(i, 0))
	}
	grad.Set(gold, 0, grad.At(gold, 0)-1.0)
	return loss, grad
}

// ---------- Gradient clipping ----------

// ClipGrads rescales the given gradients in place so their joint L2 norm is
// at most max. Returns the applied scale (1.0 = untouched).
func ClipGrads(max float64, grads ...*mat.Dense) float64 {
	total := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		total += n * n
	}
	total = math.Sqrt(total)
	if total <= max || total == 0 {
		return 1.0
	}
	s := max / total
	for _, g := range grads {
		if g == nil {
			continue
		}
		g.Scale(s, g)
	}
	return s
}

// ---------- Learning-rate schedule ----------

// LRSchedule applies linear warmup then optional cosine decay to base.
func LRSchedule(step, warmup, decay int, base float64) float64 {
	if warmup > 0 && step < warmup {
		return base * float64(step+1) / float64(warmup)
	}
	if decay <= 0 {
		return base
	}
	p := float64(step-warmup) / float64(decay)
	if p > 1 {
		p = 1
	}
	return base * 0.5 * (1 + math.Cos(math.Pi*p))
}
