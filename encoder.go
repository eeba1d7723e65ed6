package main

// ===========================================================================
// WHAT'S GOING ON HERE: BERT-style encoder
// ===========================================================================
//
// A bidirectional transformer encoder in the post-norm layout of the original
// BERT paper:
//
//   h0 = LayerNorm(tok[id] + pos[i] + type[0])
//   for each layer:
//     a  = SelfAttention(h)            (padding keys get −10000 before softmax)
//     h' = LayerNorm(h + a)
//     f  = W2·GELU(W1·h' + b1) + b2
//     h  = LayerNorm(h' + f)
//
// The hidden state at position 0 ([CLS]) summarizes the sequence.
//
// Sequences are processed one at a time as (seqLen, hidden) matrices. Every
// forward pass returns a cache with the activations its backward pass needs,
// so the encoder itself holds nothing but parameters and can be shared by
// concurrent readers.
//
// PAPER: "BERT: Pre-training of Deep Bidirectional Transformers for Language
// Understanding" by Devlin et al. (2018)
//
// ===========================================================================

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// attentionMaskValue is added to attention scores of padding keys.
const attentionMaskValue = -10000.0

// EncoderConfig describes the encoder architecture.
type EncoderConfig struct {
	VocabSize       int     `json:"vocab_size" yaml:"vocab_size"`
	MaxPositions    int     `json:"max_positions" yaml:"max_positions"`
	TypeVocabSize   int     `json:"type_vocab_size" yaml:"type_vocab_size"`
	HiddenDim       int     `json:"hidden_dim" yaml:"hidden_dim"`
	NumLayers       int     `json:"num_layers" yaml:"num_layers"`
	NumHeads        int     `json:"num_heads" yaml:"num_heads"`
	IntermediateDim int     `json:"intermediate_dim" yaml:"intermediate_dim"`
	LayerNormEps    float64 `json:"layer_norm_eps" yaml:"layer_norm_eps"`
	InitRange       float64 `json:"init_range" yaml:"init_range"`
}

// DefaultEncoderConfig is the 2-layer, 128-wide BERT variant. VocabSize is
// filled in from the tokenizer.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		MaxPositions:    512,
		TypeVocabSize:   2,
		HiddenDim:       128,
		NumLayers:       2,
		NumHeads:        2,
		IntermediateDim: 512,
		LayerNormEps:    1e-12,
		InitRange:       0.02,
	}
}

// Validate reports the first inconsistent field.
func (c EncoderConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Errorf("encoder: vocab_size must be positive, got %d", c.VocabSize)
	case c.MaxPositions < 2:
		return errors.Errorf("encoder: max_positions must be at least 2, got %d", c.MaxPositions)
	case c.TypeVocabSize <= 0:
		return errors.Errorf("encoder: type_vocab_size must be positive, got %d", c.TypeVocabSize)
	case c.HiddenDim <= 0 || c.NumHeads <= 0 || c.HiddenDim%c.NumHeads != 0:
		return errors.Errorf("encoder: hidden_dim %d must be a positive multiple of num_heads %d", c.HiddenDim, c.NumHeads)
	case c.NumLayers < 0:
		return errors.Errorf("encoder: num_layers must not be negative, got %d", c.NumLayers)
	case c.IntermediateDim <= 0:
		return errors.Errorf("encoder: intermediate_dim must be positive, got %d", c.IntermediateDim)
	case c.LayerNormEps <= 0:
		return errors.Errorf("encoder: layer_norm_eps must be positive, got %g", c.LayerNormEps)
	}
	return nil
}

// Encoder is the embedding block plus a stack of transformer layers.
type Encoder struct {
	config EncoderConfig

	tokenEmbed *Tensor // (VocabSize, HiddenDim)
	posEmbed   *Tensor // (MaxPositions, HiddenDim)
	typeEmbed  *Tensor // (TypeVocabSize, HiddenDim)
	embedNorm  *LayerNorm

	layers []*EncoderLayer
}

// EncoderLayer is one post-norm transformer block.
type EncoderLayer struct {
	attn     *SelfAttention
	attnNorm *LayerNorm
	ffIn     *Linear
	ffOut    *Linear
	ffNorm   *LayerNorm
}

// SelfAttention is multi-head scaled dot-product attention over one sequence.
type SelfAttention struct {
	numHeads int
	headDim  int

	query, key, value, output *Linear
}

// NewEncoder builds an encoder with BERT's initialization: weights from
// N(0, InitRange²), biases zero, LayerNorm as identity.
func NewEncoder(config EncoderConfig, rng *rand.Rand) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	h := config.HiddenDim
	std := config.InitRange

	enc := &Encoder{
		config:     config,
		tokenEmbed: NewTensorNormal(rng, std, config.VocabSize, h),
		posEmbed:   NewTensorNormal(rng, std, config.MaxPositions, h),
		typeEmbed:  NewTensorNormal(rng, std, config.TypeVocabSize, h),
		embedNorm:  NewLayerNorm(h, config.LayerNormEps),
	}
	for i := 0; i < config.NumLayers; i++ {
		enc.layers = append(enc.layers, &EncoderLayer{
			attn: &SelfAttention{
				numHeads: config.NumHeads,
				headDim:  h / config.NumHeads,
				query:    NewLinear(rng, h, h, std),
				key:      NewLinear(rng, h, h, std),
				value:    NewLinear(rng, h, h, std),
				output:   NewLinear(rng, h, h, std),
			},
			attnNorm: NewLayerNorm(h, config.LayerNormEps),
			ffIn:     NewLinear(rng, h, config.IntermediateDim, std),
			ffOut:    NewLinear(rng, config.IntermediateDim, h, std),
			ffNorm:   NewLayerNorm(h, config.LayerNormEps),
		})
	}
	return enc, nil
}

// Config returns the architecture the encoder was built with.
func (e *Encoder) Config() EncoderConfig {
	return e.config
}

// Parameters returns every encoder tensor in a fixed order.
func (e *Encoder) Parameters() []*Tensor {
	params := []*Tensor{e.tokenEmbed, e.posEmbed, e.typeEmbed}
	params = append(params, e.embedNorm.parameters()...)
	for _, l := range e.layers {
		params = append(params, l.attn.query.parameters()...)
		params = append(params, l.attn.key.parameters()...)
		params = append(params, l.attn.value.parameters()...)
		params = append(params, l.attn.output.parameters()...)
		params = append(params, l.attnNorm.parameters()...)
		params = append(params, l.ffIn.parameters()...)
		params = append(params, l.ffOut.parameters()...)
		params = append(params, l.ffNorm.parameters()...)
	}
	return params
}

type encoderCache struct {
	ids      []int
	embedSum *Tensor
	layers   []*layerCache
	output   *Tensor
}

type layerCache struct {
	input   *Tensor
	attn    *attentionCache
	attnSum *Tensor // input + attention output, before LayerNorm
	hidden  *Tensor
	ffPre   *Tensor // before GELU
	ffAct   *Tensor
	ffSum   *Tensor // hidden + feed-forward output, before LayerNorm
}

type attentionCache struct {
	input   *Tensor
	q, k, v *Tensor
	probs   []*Tensor // per head, (seqLen, seqLen)
	context *Tensor
}

// Forward encodes one sequence and returns its hidden states
// (len(ids), HiddenDim). mask[i] == 0 marks padding.
func (e *Encoder) Forward(ids, mask []int) *Tensor {
	return e.forward(ids, mask).output
}

func (e *Encoder) forward(ids, mask []int) *encoderCache {
	seqLen := len(ids)
	if seqLen == 0 || len(mask) != seqLen {
		panic(errors.Wrapf(ErrShapeMismatch, "encoder: %d ids with %d mask entries", seqLen, len(mask)))
	}
	if seqLen > e.config.MaxPositions {
		panic(errors.Wrapf(ErrShapeMismatch, "encoder: sequence length %d exceeds max positions %d", seqLen, e.config.MaxPositions))
	}

	h := e.config.HiddenDim
	sum := NewTensor(seqLen, h)
	for i, id := range ids {
		if id < 0 || id >= e.config.VocabSize {
			panic(errors.Wrapf(ErrShapeMismatch, "encoder: token id %d outside vocabulary of %d", id, e.config.VocabSize))
		}
		row := sum.Row(i)
		tok, pos, typ := e.tokenEmbed.Row(id), e.posEmbed.Row(i), e.typeEmbed.Row(0)
		for j := range row {
			row[j] = tok[j] + pos[j] + typ[j]
		}
	}

	cache := &encoderCache{ids: ids, embedSum: sum}
	x := e.embedNorm.Forward(sum)

	keyBias := make([]float64, seqLen)
	for i, m := range mask {
		if m == 0 {
			keyBias[i] = attentionMaskValue
		}
	}

	for _, l := range e.layers {
		lc := l.forward(x, keyBias)
		cache.layers = append(cache.layers, lc)
		x = l.ffNorm.Forward(lc.ffSum)
	}
	cache.output = x
	return cache
}

// backward propagates ∂L/∂hidden through the stack into every parameter
// gradient.
func (e *Encoder) backward(cache *encoderCache, gradOut *Tensor) {
	grad := gradOut
	for i := len(e.layers) - 1; i >= 0; i-- {
		grad = e.layers[i].backward(cache.layers[i], grad)
	}

	gradSum := e.embedNorm.Backward(cache.embedSum, grad)
	h := e.config.HiddenDim
	for i, id := range cache.ids {
		g := gradSum.Row(i)
		tok := e.tokenEmbed.grad[id*h : (id+1)*h]
		pos := e.posEmbed.grad[i*h : (i+1)*h]
		typ := e.typeEmbed.grad[:h]
		for j, v := range g {
			tok[j] += v
			pos[j] += v
			typ[j] += v
		}
	}
}

func (l *EncoderLayer) forward(x *Tensor, keyBias []float64) *layerCache {
	lc := &layerCache{input: x}
	var attnOut *Tensor
	attnOut, lc.attn = l.attn.forward(x, keyBias)
	lc.attnSum = Add(x, attnOut)
	lc.hidden = l.attnNorm.Forward(lc.attnSum)

	lc.ffPre = l.ffIn.Forward(lc.hidden)
	lc.ffAct = GELU(lc.ffPre)
	lc.ffSum = Add(lc.hidden, l.ffOut.Forward(lc.ffAct))
	return lc
}

func (l *EncoderLayer) backward(lc *layerCache, gradOut *Tensor) *Tensor {
	gradFFSum := l.ffNorm.Backward(lc.ffSum, gradOut)

	gradAct := l.ffOut.Backward(lc.ffAct, gradFFSum)
	gradPre := GELUBackward(lc.ffPre, gradAct)
	gradHidden := Add(gradFFSum, l.ffIn.Backward(lc.hidden, gradPre))

	gradAttnSum := l.attnNorm.Backward(lc.attnSum, gradHidden)
	return Add(gradAttnSum, l.attn.backward(lc.attn, gradAttnSum))
}

func (a *SelfAttention) forward(x *Tensor, keyBias []float64) (*Tensor, *attentionCache) {
	seqLen := x.shape[0]
	c := &attentionCache{
		input:   x,
		q:       a.query.Forward(x),
		k:       a.key.Forward(x),
		v:       a.value.Forward(x),
		context: NewTensor(seqLen, x.shape[1]),
	}
	scale := 1 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		start := h * a.headDim
		qh := Columns(c.q, start, a.headDim)
		kh := Columns(c.k, start, a.headDim)
		vh := Columns(c.v, start, a.headDim)

		scores := Scale(MatMul(qh, Transpose(kh)), scale)
		for i := 0; i < seqLen; i++ {
			row := scores.Row(i)
			for j := range row {
				row[j] += keyBias[j]
			}
		}
		probs := Softmax(scores)
		c.probs = append(c.probs, probs)
		SetColumns(c.context, MatMul(probs, vh), start)
	}
	return a.output.Forward(c.context), c
}

func (a *SelfAttention) backward(c *attentionCache, gradOut *Tensor) *Tensor {
	gradContext := a.output.Backward(c.context, gradOut)
	scale := 1 / math.Sqrt(float64(a.headDim))

	gradQ := NewTensor(c.q.shape...)
	gradK := NewTensor(c.k.shape...)
	gradV := NewTensor(c.v.shape...)
	for h := 0; h < a.numHeads; h++ {
		start := h * a.headDim
		qh := Columns(c.q, start, a.headDim)
		kh := Columns(c.k, start, a.headDim)
		vh := Columns(c.v, start, a.headDim)
		probs := c.probs[h]
		gradCtxH := Columns(gradContext, start, a.headDim)

		gradProbs, gradVh := MatMulBackward(probs, vh, gradCtxH)
		gradScores := Scale(SoftmaxBackward(probs, gradProbs), scale)
		gradQh, gradKhT := MatMulBackward(qh, Transpose(kh), gradScores)

		SetColumns(gradQ, gradQh, start)
		SetColumns(gradK, Transpose(gradKhT), start)
		SetColumns(gradV, gradVh, start)
	}

	gradX := a.query.Backward(c.input, gradQ)
	gradX = Add(gradX, a.key.Backward(c.input, gradK))
	return Add(gradX, a.value.Backward(c.input, gradV))
}
