package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward passes for the operations the classifier uses. Every forward op in
// tensor.go that sits on a trainable path has a matching function here that
// maps ∂L/∂output to ∂L/∂input.
//
// There is no tape. Layers keep whatever forward activations they need in a
// cache value and call these functions in reverse order.
//
// Chain rule reminder, for C = A @ B:
//   - ∂L/∂A = ∂L/∂C @ Bᵀ
//   - ∂L/∂B = Aᵀ @ ∂L/∂C
//
// ===========================================================================

import (
	"math"

	"github.com/pkg/errors"
)

// MatMulBackward returns ∂L/∂A and ∂L/∂B for C = A @ B.
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// ReLUBackward passes gradient where the input was positive.
func ReLUBackward(x, gradY *Tensor) *Tensor {
	mustSameShape("ReLUBackward", x, gradY)
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// GELUBackward differentiates the tanh approximation used by GELU:
//
//	y = 0.5·x·(1 + tanh(u)),  u = √(2/π)·(x + 0.044715·x³)
//	dy/dx = 0.5·(1 + tanh(u)) + 0.5·x·sech²(u)·√(2/π)·(1 + 3·0.044715·x²)
func GELUBackward(x, gradY *Tensor) *Tensor {
	mustSameShape("GELUBackward", x, gradY)
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		u := sqrt2OverPi * (v + geluCoeff*v*v*v)
		th := math.Tanh(u)
		du := sqrt2OverPi * (1 + 3*geluCoeff*v*v)
		d := 0.5*(1+th) + 0.5*v*(1-th*th)*du
		gradX.data[i] = gradY.data[i] * d
	}
	return gradX
}

// SoftmaxBackward takes the row-wise softmax output y and returns
// ∂L/∂x = y ⊙ (∂L/∂y − Σ(∂L/∂y ⊙ y)) per row.
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	mustSameShape("SoftmaxBackward", y, gradY)
	gradX := NewTensor(y.shape...)
	for r := 0; r < y.shape[0]; r++ {
		yr, gr, out := y.Row(r), gradY.Row(r), gradX.Row(r)
		dot := 0.0
		for i := range yr {
			dot += yr[i] * gr[i]
		}
		for i := range yr {
			out[i] = yr[i] * (gr[i] - dot)
		}
	}
	return gradX
}

// LayerNormBackward differentiates y = γ·x̂ + β, x̂ = (x − μ)/σ per row, where
// x is the 2D input that was normalized.
//
// With g = ∂L/∂y·γ and N features:
//
//	∂L/∂x = (N·g − Σg − x̂·Σ(g·x̂)) / (N·σ)
func LayerNormBackward(x, gamma, gradY *Tensor, eps float64) (gradX, gradGamma, gradBeta *Tensor) {
	mustSameShape("LayerNormBackward", x, gradY)
	if len(x.shape) != 2 || gamma.shape[0] != x.shape[1] {
		panic(errors.Wrapf(ErrShapeMismatch, "LayerNormBackward x %v gamma %v", x.shape, gamma.shape))
	}
	rows, n := x.shape[0], x.shape[1]
	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(n)
	gradBeta = NewTensor(n)

	xhat := make([]float64, n)
	g := make([]float64, n)
	for r := 0; r < rows; r++ {
		xr, dy, dx := x.Row(r), gradY.Row(r), gradX.Row(r)
		mean, std := rowMeanStd(xr, eps)

		sumG, sumGX := 0.0, 0.0
		for i := range xr {
			xhat[i] = (xr[i] - mean) / std
			g[i] = dy[i] * gamma.data[i]
			sumG += g[i]
			sumGX += g[i] * xhat[i]

			gradGamma.data[i] += dy[i] * xhat[i]
			gradBeta.data[i] += dy[i]
		}
		fn := float64(n)
		for i := range xr {
			dx[i] = (fn*g[i] - sumG - xhat[i]*sumGX) / (fn * std)
		}
	}
	return gradX, gradGamma, gradBeta
}

// rowMeanStd returns the mean and the biased standard deviation with eps
// added to the variance.
func rowMeanStd(row []float64, eps float64) (mean, std float64) {
	for _, v := range row {
		mean += v
	}
	mean /= float64(len(row))
	variance := 0.0
	for _, v := range row {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(row))
	return mean, math.Sqrt(variance + eps)
}

// CrossEntropyBackward returns ∂L/∂logits for the mean cross-entropy over a
// batch: (softmax(logits) − onehot(target)) / batch.
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	batch := logits.shape[0]
	if len(targets) != batch {
		panic(errors.Wrapf(ErrShapeMismatch, "%d targets for logits %v", len(targets), logits.shape))
	}
	grad := Softmax(logits)
	for i, t := range targets {
		row := grad.Row(i)
		row[t] -= 1
		for j := range row {
			row[j] /= float64(batch)
		}
	}
	return grad
}
