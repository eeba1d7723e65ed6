package main

import (
	"math"

	"github.com/pkg/errors"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	Step(params []*Tensor, lr float64)
}

// AdamW is Adam with decoupled weight decay.
//
// Update rule for step t:
//
//	m = β1·m + (1−β1)·g
//	v = β2·v + (1−β2)·g²
//	θ −= lr·(m/(1−β1ᵗ)) / (√(v/(1−β2ᵗ)) + ε)
//	θ −= lr·λ·θ
//
// PAPER: "Decoupled Weight Decay Regularization" by Loshchilov, Hutter (2019)
type AdamW struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m [][]float64
	v [][]float64
	t int
}

// NewAdamW allocates moment buffers matching params. Step must always be
// called with the same slice order.
func NewAdamW(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamW {
	opt := &AdamW{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float64, p.Size())
		opt.v[i] = make([]float64, p.Size())
	}
	return opt
}

// Step applies one update.
func (opt *AdamW) Step(params []*Tensor, lr float64) {
	if len(params) != len(opt.m) {
		panic(errors.Wrapf(ErrShapeMismatch, "adamw: %d params, optimizer built for %d", len(params), len(opt.m)))
	}
	opt.t++
	bias1 := 1 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m, v := opt.m[i], opt.v[i]
		for j, g := range p.grad {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*g*g

			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
			if opt.weightDecay != 0 {
				p.data[j] -= lr * opt.weightDecay * p.data[j]
			}
		}
	}
}

// LinearSchedule warms the learning rate up linearly over warmup steps, then
// decays it linearly to zero at total steps.
type LinearSchedule struct {
	baseLR float64
	warmup int
	total  int
	step   int
}

// NewLinearSchedule creates a schedule positioned at step 0.
func NewLinearSchedule(baseLR float64, warmup, total int) *LinearSchedule {
	return &LinearSchedule{baseLR: baseLR, warmup: warmup, total: total}
}

// LR returns the learning rate for the current step.
func (s *LinearSchedule) LR() float64 {
	if s.step < s.warmup {
		return s.baseLR * float64(s.step) / float64(s.warmup)
	}
	remaining := float64(s.total-s.step) / math.Max(1, float64(s.total-s.warmup))
	return s.baseLR * math.Max(0, remaining)
}

// Step advances the schedule by one optimizer step.
func (s *LinearSchedule) Step() {
	s.step++
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm. It returns the norm before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			total += g * g
		}
	}
	norm := math.Sqrt(total)

	scale := maxNorm / (norm + 1e-6)
	if scale < 1 {
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
	return norm
}
