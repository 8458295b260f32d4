package optimizations

import (
	"bytes"
	"encoding/gob"
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamUpdateInPlace: p -= lr * (mhat/(sqrt(vhat)+eps) + wd*p) with bias
// correction (AdamW when wd > 0).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("AdamUpdateInPlace: grad shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			update := mhat/(math.Sqrt(vhat)+eps) + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// Param bundles one weight tensor with its accumulated gradient and Adam
// state. Gradients accumulate across the examples of a batch; Step applies
// one Adam update and clears them.
type Param struct {
	W *mat.Dense

	g    *mat.Dense
	m, v *mat.Dense
	t    int
}

func NewParam(r, c int, data []float64) *Param {
	return &Param{
		W: mat.NewDense(r, c, data),
		m: mat.NewDense(r, c, nil),
		v: mat.NewDense(r, c, nil),
	}
}

// Accumulate adds g into the pending gradient.
func (p *Param) Accumulate(g mat.Matrix) {
	gr, gc := g.Dims()
	pr, pc := p.W.Dims()
	if gr != pr || gc != pc {
		panic("Param.Accumulate: shape mismatch")
	}
	if p.g == nil {
		p.g = mat.NewDense(pr, pc, nil)
	}
	p.g.Add(p.g, g)
}

// Grad exposes the pending gradient for clipping. May be nil.
func (p *Param) Grad() *mat.Dense { return p.g }

// Step applies one Adam update with the accumulated gradient, then clears it.
// A Param that saw no gradient since the last Step is left untouched.
func (p *Param) Step(lr, beta1, beta2, eps, weightDecay float64) {
	if p.g == nil {
		return
	}
	p.t++
	AdamUpdateInPlace(p.W, p.g, p.m, p.v, p.t, lr, beta1, beta2, eps, weightDecay)
	p.g = nil
}

// StepCount reports how many optimizer updates this parameter has taken.
func (p *Param) StepCount() int { return p.t }

// paramData is the gob wire form: raw float data plus shape, the same way
// checkpoints flatten mat.Dense values.
type paramData struct {
	Rows, Cols int
	W, M, V    []float64
	T          int
}

func denseData(m *mat.Dense) []float64 {
	raw := mat.DenseCopyOf(m).RawMatrix()
	return append([]float64(nil), raw.Data...)
}

func (p *Param) GobEncode() ([]byte, error) {
	r, c := p.W.Dims()
	data := paramData{
		Rows: r, Cols: c,
		W: denseData(p.W),
		M: denseData(p.m),
		V: denseData(p.v),
		T: p.t,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Param) GobDecode(b []byte) error {
	var data paramData
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&data); err != nil {
		return err
	}
	p.W = mat.NewDense(data.Rows, data.Cols, data.W)
	p.m = mat.NewDense(data.Rows, data.Cols, data.M)
	p.v = mat.NewDense(data.Rows, data.Cols, data.V)
	p.t = data.T
	p.g = nil
	return nil
}
