package transformer

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/seq2seq/utils"
)

func finiteDiffCheck(t *testing.T, name string, w, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := w.At(i, j)

	w.Set(i, j, w0+eps)
	lp := forward()

	w.Set(i, j, w0-eps)
	lm := forward()

	w.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

func TestSelfAttentionGradCheck(t *testing.T) {
	rand.Seed(123)
	dModel, nHeads, T := 4, 2, 3
	attn, err := NewAttention(dModel, nHeads)
	if err != nil {
		t.Fatal(err)
	}
	x := mat.NewDense(dModel, T, utils.RandomArray(dModel*T, float64(dModel)))

	forward := func() float64 {
		y := attn.Forward(x, x, nil)
		loss, _ := utils.CrossEntropyWithIndex(utils.LastCol(y), 2)
		return loss
	}

	y := attn.Forward(x, x, nil)
	_, g := utils.CrossEntropyWithIndex(utils.LastCol(y), 2)
	dY := mat.NewDense(dModel, T, nil)
	for i := 0; i < dModel; i++ {
		dY.Set(i, T-1, g.At(i, 0))
	}
	attn.Backward(dY)

	finiteDiffCheck(t, "Wquery", attn.Wquery[0].W, attn.Wquery[0].Grad(), forward, 0, 1)
	finiteDiffCheck(t, "Wkey", attn.Wkey[1].W, attn.Wkey[1].Grad(), forward, 1, 0)
	finiteDiffCheck(t, "Wvalue", attn.Wvalue[0].W, attn.Wvalue[0].Grad(), forward, 0, 2)
	finiteDiffCheck(t, "Woutput", attn.Woutput.W, attn.Woutput.Grad(), forward, 2, 1)
}

func TestCrossAttentionGradCheck(t *testing.T) {
	rand.Seed(321)
	dModel, nHeads, Tq, Tk := 4, 2, 2, 3
	attn, err := NewAttention(dModel, nHeads)
	if err != nil {
		t.Fatal(err)
	}
	xq := mat.NewDense(dModel, Tq, utils.RandomArray(dModel*Tq, float64(dModel)))
	xkv := mat.NewDense(dModel, Tk, utils.RandomArray(dModel*Tk, float64(dModel)))

	forward := func() float64 {
		y := attn.Forward(xq, xkv, nil)
		loss, _ := utils.CrossEntropyWithIndex(utils.LastCol(y), 1)
		return loss
	}

	y := attn.Forward(xq, xkv, nil)
	_, g := utils.CrossEntropyWithIndex(utils.LastCol(y), 1)
	dY := mat.NewDense(dModel, Tq, nil)
	for i := 0; i < dModel; i++ {
		dY.Set(i, Tq-1, g.At(i, 0))
	}
	dXq, dXkv := attn.Backward(dY)

	finiteDiffCheck(t, "Wquery", attn.Wquery[0].W, attn.Wquery[0].Grad(), forward, 0, 0)
	finiteDiffCheck(t, "Wkey", attn.Wkey[0].W, attn.Wkey[0].Grad(), forward, 1, 2)
	finiteDiffCheck(t, "Wvalue", attn.Wvalue[1].W, attn.Wvalue[1].Grad(), forward, 0, 3)

	// gradient wrt the two inputs, same central-difference scheme
	finiteDiffCheck(t, "Xq", xq, dXq, forward, 1, 0)
	finiteDiffCheck(t, "Xkv", xkv, dXkv, forward, 2, 1)
}

func TestAttentionWeightRowsSumToOne(t *testing.T) {
	rand.Seed(7)
	dModel, nHeads, T := 8, 2, 5
	attn, err := NewAttention(dModel, nHeads)
	if err != nil {
		t.Fatal(err)
	}
	x := mat.NewDense(dModel, T, utils.RandomArray(dModel*T, float64(dModel)))
	attn.Forward(x, x, utils.CausalMask(T))

	for h, A := range attn.Weights() {
		for i := 0; i < T; i++ {
			sum := 0.0
			for j := 0; j < T; j++ {
				sum += A.At(i, j)
				if j > i && A.At(i, j) != 0 {
					t.Fatalf("head %d: weight[%d,%d]=%g above the diagonal, want exactly 0",
						h, i, j, A.At(i, j))
				}
			}
			if math.Abs(sum-1.0) > 1e-9 {
				t.Fatalf("head %d: row %d sums to %.12f, want 1", h, i, sum)
			}
		}
	}
}

// With one head, multi-head attention must reduce to plain scaled
// dot-product attention computed directly from the weight matrices.
func TestSingleHeadMatchesDirect(t *testing.T) {
	rand.Seed(99)
	dModel, T := 6, 4
	attn, err := NewAttention(dModel, 1)
	if err != nil {
		t.Fatal(err)
	}
	x := mat.NewDense(dModel, T, utils.RandomArray(dModel*T, float64(dModel)))

	got := attn.Forward(x, x, nil)

	Q := utils.ToDense(utils.Dot(attn.Wquery[0].W, x))
	K := utils.ToDense(utils.Dot(attn.Wkey[0].W, x))
	V := utils.ToDense(utils.Dot(attn.Wvalue[0].W, x))
	S := utils.ToDense(utils.Scale(1.0/math.Sqrt(float64(dModel)), utils.Dot(Q.T(), K)))
	A := utils.RowSoftmax(S)
	want := utils.ToDense(utils.Dot(attn.Woutput.W, utils.ToDense(utils.Dot(V, A.T()))))

	for i := 0; i < dModel; i++ {
		for j := 0; j < T; j++ {
			if math.Abs(got.At(i, j)-want.At(i, j)) > 1e-12 {
				t.Fatalf("output[%d,%d]: got %.12g want %.12g", i, j, got.At(i, j), want.At(i, j))
			}
		}
	}
}
