package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor is a dense float64 array stored in row-major order together with a
// gradient buffer of the same size.
//
// Shape errors are programmer bugs, so operations panic with an error that
// wraps ErrShapeMismatch or ErrInvalidShape. The training loop recovers those
// panics at its boundary.
//
// Tensor is not safe for concurrent mutation. Concurrent reads are fine.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// NewTensor creates a zero tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic(errors.Wrap(ErrInvalidShape, "shape cannot be empty"))
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(errors.Wrapf(ErrInvalidShape, "shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorFrom wraps a copy of data in a tensor of the given shape.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(data) != len(t.data) {
		panic(errors.Wrapf(ErrShapeMismatch, "%d values for shape %v", len(data), shape))
	}
	copy(t.data, data)
	return t
}

// NewTensorNormal samples every element from N(0, std²).
func NewTensorNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// NewTensorUniform samples every element from U(-bound, bound).
func NewTensorUniform(rng *rand.Rand, bound float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = (rng.Float64()*2 - 1) * bound
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the underlying values.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad exposes the gradient buffer.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set stores value at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// Row returns row i of a 2D tensor. The slice aliases the tensor's data.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic(errors.Wrapf(ErrInvalidShape, "Row requires a 2D tensor, got %v", t.shape))
	}
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(errors.Wrapf(ErrShapeMismatch, "expected %d indices, got %d", len(t.shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(errors.Wrapf(ErrInvalidShape, "index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds g's values to t's gradient buffer.
func (t *Tensor) AccumulateGrad(g *Tensor) {
	mustSameShape("AccumulateGrad", t, g)
	for i, v := range g.data {
		t.grad[i] += v
	}
}

// Clone returns a deep copy of values and gradients.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.shape...)
	copy(c.data, t.data)
	copy(c.grad, t.grad)
	return c
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// Add returns a + b element-wise.
func Add(a, b *Tensor) *Tensor {
	mustSameShape("Add", a, b)
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Scale returns a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i, v := range a.data {
		out.data[i] = v * scalar
	}
	return out
}

// MatMul computes A @ B for A (M, K) and B (K, N) using the process-wide
// compute configuration.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, computeConfig())
}

// Transpose returns the transpose of a 2D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic(errors.Wrapf(ErrInvalidShape, "Transpose requires a 2D tensor, got %v", a.shape))
	}
	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// AddBias adds a 1D bias to every row of a 2D tensor.
func AddBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(errors.Wrapf(ErrShapeMismatch, "AddBias %v + %v", x.shape, bias.shape))
	}
	out := x.Clone()
	cols := x.shape[1]
	for i := range out.data {
		out.data[i] += bias.data[i%cols]
	}
	return out
}

// SumRows returns the column sums of a 2D tensor as a 1D tensor.
func SumRows(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic(errors.Wrapf(ErrInvalidShape, "SumRows requires a 2D tensor, got %v", x.shape))
	}
	cols := x.shape[1]
	out := NewTensor(cols)
	for i, v := range x.data {
		out.data[i%cols] += v
	}
	return out
}

// Columns copies columns [start, start+width) of a 2D tensor.
func Columns(x *Tensor, start, width int) *Tensor {
	rows, cols := x.shape[0], x.shape[1]
	if start < 0 || start+width > cols {
		panic(errors.Wrapf(ErrShapeMismatch, "columns [%d,%d) of %v", start, start+width, x.shape))
	}
	out := NewTensor(rows, width)
	for i := 0; i < rows; i++ {
		copy(out.data[i*width:(i+1)*width], x.data[i*cols+start:i*cols+start+width])
	}
	return out
}

// SetColumns writes src into dst starting at column start.
func SetColumns(dst, src *Tensor, start int) {
	rows, cols := dst.shape[0], dst.shape[1]
	width := src.shape[1]
	if src.shape[0] != rows || start+width > cols {
		panic(errors.Wrapf(ErrShapeMismatch, "set columns %v into %v at %d", src.shape, dst.shape, start))
	}
	for i := 0; i < rows; i++ {
		copy(dst.data[i*cols+start:i*cols+start+width], src.data[i*width:(i+1)*width])
	}
}

// ReLU applies max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Max(0, v)
	}
	return out
}

const (
	sqrt2OverPi = 0.7978845608028654
	geluCoeff   = 0.044715
)

// GELU applies the tanh approximation of the Gaussian error linear unit.
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

// Softmax normalizes each row of a 2D tensor into a probability
// distribution, subtracting the row max for stability.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic(errors.Wrapf(ErrInvalidShape, "Softmax requires a 2D tensor, got %v", x.shape))
	}
	out := NewTensor(x.shape...)
	for r := 0; r < x.shape[0]; r++ {
		softmaxInto(out.Row(r), x.Row(r))
	}
	return out
}

func softmaxInto(dst, src []float64) {
	maxVal := src[0]
	for _, v := range src[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for i, v := range src {
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// argmax returns the index of the largest value, the first one on ties.
func argmax(data []float64) int {
	if len(data) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[best] {
			best = i
		}
	}
	return best
}

func mustSameShape(op string, a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(errors.Wrapf(ErrShapeMismatch, "%s: %v vs %v", op, a.shape, b.shape))
	}
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
