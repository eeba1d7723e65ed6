package main

import (
	"math/rand"

	"github.com/pkg/errors"
)

// HeadConfig describes the classification head on top of the [CLS] state.
type HeadConfig struct {
	HiddenUnits   int     `json:"hidden_units" yaml:"hidden_units"`
	NumLabels     int     `json:"num_labels" yaml:"num_labels"`
	Dropout       float64 `json:"dropout" yaml:"dropout"`
	FreezeEncoder bool    `json:"freeze_encoder" yaml:"freeze_encoder"`
}

// DefaultHeadConfig is a 50-unit ReLU layer over three sentiment classes.
func DefaultHeadConfig() HeadConfig {
	return HeadConfig{
		HiddenUnits: 50,
		NumLabels:   3,
	}
}

// Validate reports the first inconsistent field.
func (c HeadConfig) Validate() error {
	switch {
	case c.HiddenUnits <= 0:
		return errors.Errorf("head: hidden_units must be positive, got %d", c.HiddenUnits)
	case c.NumLabels < 2:
		return errors.Errorf("head: num_labels must be at least 2, got %d", c.NumLabels)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("head: dropout must be in [0, 1), got %g", c.Dropout)
	}
	return nil
}

// Classifier maps encoded sequences to class logits:
//
//	logits = W2·dropout(ReLU(W1·h_cls + b1)) + b2
//
// Forward never writes to the model, so a Classifier in eval mode can serve
// concurrent callers. ForwardTrain and Backward are for the single training
// goroutine.
type Classifier struct {
	encoder *Encoder
	head    HeadConfig
	hidden  *Linear
	out     *Linear

	training bool
	rng      *rand.Rand
}

// NewClassifier builds a freshly initialized model. rng drives weight
// initialization and, in training mode, dropout.
func NewClassifier(enc EncoderConfig, head HeadConfig, rng *rand.Rand) (*Classifier, error) {
	if err := head.Validate(); err != nil {
		return nil, err
	}
	encoder, err := NewEncoder(enc, rng)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		encoder: encoder,
		head:    head,
		hidden:  NewLinearUniform(rng, enc.HiddenDim, head.HiddenUnits),
		out:     NewLinearUniform(rng, head.HiddenUnits, head.NumLabels),
		rng:     rng,
	}, nil
}

// EncoderConfig returns the encoder architecture.
func (c *Classifier) EncoderConfig() EncoderConfig { return c.encoder.config }

// HeadConfig returns the head configuration.
func (c *Classifier) HeadConfig() HeadConfig { return c.head }

// Train enables dropout.
func (c *Classifier) Train() { c.training = true }

// Eval disables dropout.
func (c *Classifier) Eval() { c.training = false }

// Parameters returns the trainable tensors. Encoder tensors are left out when
// the encoder is frozen.
func (c *Classifier) Parameters() []*Tensor {
	var params []*Tensor
	if !c.head.FreezeEncoder {
		params = append(params, c.encoder.Parameters()...)
	}
	params = append(params, c.hidden.parameters()...)
	return append(params, c.out.parameters()...)
}

// AllParameters returns every tensor, frozen or not, in checkpoint order.
func (c *Classifier) AllParameters() []*Tensor {
	params := append([]*Tensor{}, c.encoder.Parameters()...)
	params = append(params, c.hidden.parameters()...)
	return append(params, c.out.parameters()...)
}

// NumParameters counts scalar parameters in AllParameters.
func (c *Classifier) NumParameters() int {
	n := 0
	for _, p := range c.AllParameters() {
		n += p.Size()
	}
	return n
}

// ZeroGrad clears the gradients of every trainable tensor.
func (c *Classifier) ZeroGrad() {
	for _, p := range c.Parameters() {
		p.ZeroGrad()
	}
}

type classifierCache struct {
	encoders []*encoderCache
	pooled   *Tensor
	hidden   *Tensor // before ReLU
	act      *Tensor
	mask     []float64
	dropped  *Tensor
}

// Forward returns logits (len(batch), NumLabels) without dropout or caches.
func (c *Classifier) Forward(batch []EncodedExample) *Tensor {
	pooled := NewTensor(len(batch), c.encoder.config.HiddenDim)
	for i, ex := range batch {
		copy(pooled.Row(i), c.encoder.Forward(ex.InputIDs, ex.AttentionMask).Row(0))
	}
	return c.out.Forward(ReLU(c.hidden.Forward(pooled)))
}

// ForwardTrain is Forward plus the activations Backward needs. Dropout is
// applied when the model is in training mode.
func (c *Classifier) ForwardTrain(batch []EncodedExample) (*Tensor, *classifierCache) {
	if len(batch) == 0 {
		panic(errors.Wrap(ErrShapeMismatch, "classifier: empty batch"))
	}
	cache := &classifierCache{pooled: NewTensor(len(batch), c.encoder.config.HiddenDim)}
	for i, ex := range batch {
		ec := c.encoder.forward(ex.InputIDs, ex.AttentionMask)
		cache.encoders = append(cache.encoders, ec)
		copy(cache.pooled.Row(i), ec.output.Row(0))
	}

	cache.hidden = c.hidden.Forward(cache.pooled)
	cache.act = ReLU(cache.hidden)
	rate := 0.0
	if c.training {
		rate = c.head.Dropout
	}
	cache.dropped, cache.mask = Dropout(c.rng, cache.act, rate)
	return c.out.Forward(cache.dropped), cache
}

// Backward accumulates ∂L/∂θ for every trainable parameter given ∂L/∂logits.
func (c *Classifier) Backward(cache *classifierCache, gradLogits *Tensor) {
	gradDropped := c.out.Backward(cache.dropped, gradLogits)
	gradAct := DropoutBackward(cache.mask, gradDropped)
	gradHidden := ReLUBackward(cache.hidden, gradAct)
	gradPooled := c.hidden.Backward(cache.pooled, gradHidden)

	if c.head.FreezeEncoder {
		return
	}
	h := c.encoder.config.HiddenDim
	for i, ec := range cache.encoders {
		grad := NewTensor(len(ec.ids), h)
		copy(grad.Row(0), gradPooled.Row(i))
		c.encoder.backward(ec, grad)
	}
}
