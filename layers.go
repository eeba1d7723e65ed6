package main

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Linear is a fully connected layer, y = x @ W + b, with W stored as
// (in, out).
type Linear struct {
	weight *Tensor
	bias   *Tensor
}

// NewLinear initializes W from N(0, std²) and b to zero, the way BERT
// initializes its dense layers.
func NewLinear(rng *rand.Rand, in, out int, std float64) *Linear {
	return &Linear{
		weight: NewTensorNormal(rng, std, in, out),
		bias:   NewTensor(out),
	}
}

// NewLinearUniform initializes W and b from U(-1/√in, 1/√in).
func NewLinearUniform(rng *rand.Rand, in, out int) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	return &Linear{
		weight: NewTensorUniform(rng, bound, in, out),
		bias:   NewTensorUniform(rng, bound, out),
	}
}

// Forward maps x (rows, in) to (rows, out).
func (l *Linear) Forward(x *Tensor) *Tensor {
	return AddBias(MatMul(x, l.weight), l.bias)
}

// Backward accumulates ∂L/∂W and ∂L/∂b and returns ∂L/∂x. x is the input
// that was passed to Forward.
func (l *Linear) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradW := MatMulBackward(x, l.weight, gradY)
	l.weight.AccumulateGrad(gradW)
	l.bias.AccumulateGrad(SumRows(gradY))
	return gradX
}

func (l *Linear) parameters() []*Tensor {
	return []*Tensor{l.weight, l.bias}
}

// LayerNorm normalizes each row over its features and applies a learned
// scale and shift.
//
// PAPER: "Layer Normalization" by Ba, Kiros, Hinton (2016)
type LayerNorm struct {
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm starts as the identity transform: γ=1, β=0.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	gamma := NewTensor(dim)
	for i := range gamma.data {
		gamma.data[i] = 1
	}
	return &LayerNorm{eps: eps, gamma: gamma, beta: NewTensor(dim)}
}

// Forward normalizes x (rows, dim).
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 || x.shape[1] != ln.gamma.shape[0] {
		panic(errors.Wrapf(ErrShapeMismatch, "LayerNorm input %v for dim %d", x.shape, ln.gamma.shape[0]))
	}
	out := NewTensor(x.shape...)
	for r := 0; r < x.shape[0]; r++ {
		xr, yr := x.Row(r), out.Row(r)
		mean, std := rowMeanStd(xr, ln.eps)
		for i, v := range xr {
			yr[i] = (v-mean)/std*ln.gamma.data[i] + ln.beta.data[i]
		}
	}
	return out
}

// Backward accumulates ∂L/∂γ and ∂L/∂β and returns ∂L/∂x.
func (ln *LayerNorm) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradGamma, gradBeta := LayerNormBackward(x, ln.gamma, gradY, ln.eps)
	ln.gamma.AccumulateGrad(gradGamma)
	ln.beta.AccumulateGrad(gradBeta)
	return gradX
}

func (ln *LayerNorm) parameters() []*Tensor {
	return []*Tensor{ln.gamma, ln.beta}
}

// Dropout zeroes each element with probability rate and scales survivors by
// 1/(1-rate). It returns the output and the mask needed for the backward
// pass. A zero rate returns x and a nil mask.
func Dropout(rng *rand.Rand, x *Tensor, rate float64) (*Tensor, []float64) {
	if rate <= 0 {
		return x, nil
	}
	keep := 1 - rate
	mask := make([]float64, len(x.data))
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
			out.data[i] = v * mask[i]
		}
	}
	return out, mask
}

// DropoutBackward applies the mask returned by Dropout.
func DropoutBackward(mask []float64, gradY *Tensor) *Tensor {
	if mask == nil {
		return gradY
	}
	gradX := NewTensor(gradY.shape...)
	for i, g := range gradY.data {
		gradX.data[i] = g * mask[i]
	}
	return gradX
}
