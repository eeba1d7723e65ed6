package main

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTensorBasics tests creation, shape and element access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)
	assert.Equal(t, []int{2, 3}, tensor.Shape())
	assert.Equal(t, 6, tensor.Size())

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)
	assert.Equal(t, 1.5, tensor.At(0, 0))
	assert.Equal(t, 2.5, tensor.At(1, 2))
	assert.Equal(t, []float64{0, 0, 2.5}, tensor.Row(1))
}

// TestTensorShapePanics checks that shape bugs panic with a sentinel cause.
func TestTensorShapePanics(t *testing.T) {
	causeOf := func(f func()) (cause error) {
		defer func() {
			if r := recover(); r != nil {
				cause = errors.Cause(r.(error))
			}
		}()
		f()
		return nil
	}

	assert.Equal(t, ErrInvalidShape, causeOf(func() { NewTensor(0, 3) }))
	assert.Equal(t, ErrShapeMismatch, causeOf(func() { Add(NewTensor(2, 2), NewTensor(2, 3)) }))
	assert.Equal(t, ErrShapeMismatch, causeOf(func() { MatMul(NewTensor(2, 3), NewTensor(2, 3)) }))
	assert.Equal(t, ErrShapeMismatch, causeOf(func() { NewTensorFrom([]float64{1, 2}, 3) }))
}

// TestMatMul tests matrix multiplication against a hand computed product.
func TestMatMul(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	c := MatMul(a, b)
	assert.Equal(t, []int{2, 2}, c.Shape())
	assert.Equal(t, []float64{22, 28, 49, 64}, c.Data())
}

func TestTransposeAndColumns(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)

	at := Transpose(a)
	assert.Equal(t, []int{3, 2}, at.Shape())
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, at.Data())

	cols := Columns(a, 1, 2)
	assert.Equal(t, []float64{2, 3, 5, 6}, cols.Data())

	dst := NewTensor(2, 3)
	SetColumns(dst, cols, 0)
	assert.Equal(t, []float64{2, 3, 0, 5, 6, 0}, dst.Data())
}

func TestAddBiasAndSumRows(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 4}, 2, 2)
	bias := NewTensorFrom([]float64{10, 20}, 2)

	assert.Equal(t, []float64{11, 22, 13, 24}, AddBias(x, bias).Data())
	assert.Equal(t, []float64{4, 6}, SumRows(x).Data())
}

func TestSoftmaxRows(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	y := Softmax(x)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for _, v := range y.Row(r) {
			sum += v
			assert.False(t, math.IsNaN(v))
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	assert.InDelta(t, 1.0/3, y.At(1, 0), 1e-12)
	assert.True(t, y.At(0, 2) > y.At(0, 1))
}

func TestActivations(t *testing.T) {
	x := NewTensorFrom([]float64{-2, 0, 3}, 3)

	assert.Equal(t, []float64{0, 0, 3}, ReLU(x).Data())

	g := GELU(x)
	assert.InDelta(t, 0, g.At(1), 1e-12)
	assert.InDelta(t, 2.9964, g.At(2), 1e-3)
	assert.InDelta(t, -0.0454, g.At(0), 1e-3)
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 2, argmax([]float64{0.1, 0.2, 0.7}))
	assert.Equal(t, 0, argmax([]float64{1, 1, 1}))
	assert.Equal(t, -1, argmax(nil))
}

func TestAccumulateGradAndZero(t *testing.T) {
	p := NewTensor(3)
	p.AccumulateGrad(NewTensorFrom([]float64{1, 2, 3}, 3))
	p.AccumulateGrad(NewTensorFrom([]float64{1, 1, 1}, 3))
	assert.Equal(t, []float64{2, 3, 4}, p.Grad())

	p.ZeroGrad()
	assert.Equal(t, []float64{0, 0, 0}, p.Grad())

	c := p.Clone()
	c.data[0] = 9
	require.Equal(t, 0.0, p.data[0])
}
