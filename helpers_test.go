package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// tinyEncoderConfig is small enough for finite-difference checks.
func tinyEncoderConfig(vocabSize int) EncoderConfig {
	return EncoderConfig{
		VocabSize:       vocabSize,
		MaxPositions:    16,
		TypeVocabSize:   2,
		HiddenDim:       8,
		NumLayers:       2,
		NumHeads:        2,
		IntermediateDim: 16,
		LayerNormEps:    1e-12,
		InitRange:       0.5,
	}
}

var polarityVocab = []string{
	PadToken, UnkToken, ClsToken, SepToken, MaskToken,
	"hate", "worst", "awful",
	"love", "great", "best",
	"absolutely", "experience", "ever", "movie", "weather", "report",
}

var (
	negativeWords = map[string]bool{"hate": true, "worst": true, "awful": true}
	positiveWords = map[string]bool{"love": true, "great": true, "best": true}
)

const polarityMaxLen = 16

// newPolarityCheckpoint builds a hand-weighted model that labels a text
// Negative when it contains a negative word, Positive when it contains a
// positive word, and Neutral otherwise.
//
// Query and key weights are zero, so attention averages the non-padding
// rows. Value and output projections are identities and the feed-forward
// block is zero, so the [CLS] state is the layer-normalized direction of the
// polarity words present. The head reads that direction.
func newPolarityCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()

	tok, err := NewWordPiece(polarityVocab)
	require.NoError(t, err)

	enc := EncoderConfig{
		VocabSize:       tok.VocabSize(),
		MaxPositions:    64,
		TypeVocabSize:   2,
		HiddenDim:       4,
		NumLayers:       1,
		NumHeads:        1,
		IntermediateDim: 4,
		LayerNormEps:    1e-12,
		InitRange:       0.02,
	}
	head := HeadConfig{HiddenUnits: 2, NumLabels: 3}
	model, err := NewClassifier(enc, head, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	for _, p := range model.AllParameters() {
		for i := range p.data {
			p.data[i] = 0
		}
	}
	e := model.encoder
	setOnes(e.embedNorm.gamma)
	for _, l := range e.layers {
		setOnes(l.attnNorm.gamma)
		setOnes(l.ffNorm.gamma)
		setIdentity(l.attn.value.weight)
		setIdentity(l.attn.output.weight)
	}
	for id, word := range polarityVocab {
		switch {
		case negativeWords[word]:
			e.tokenEmbed.Set(3, id, 0)
		case positiveWords[word]:
			e.tokenEmbed.Set(3, id, 1)
		}
	}

	model.hidden.weight.Set(1, 0, 0)
	model.hidden.weight.Set(1, 1, 1)
	model.out.weight.Set(5, 0, LabelNegative)
	model.out.weight.Set(5, 1, LabelPositive)
	model.out.bias.Set(1, LabelNeutral)
	model.Eval()

	return NewCheckpoint(model, tok, polarityMaxLen, EvalMetrics{TestAccuracy: 86.25, TestExamples: 100})
}

func newPolarityPredictor(t *testing.T, opts PredictorOptions) *Predictor {
	t.Helper()
	p, err := NewPredictor(newPolarityCheckpoint(t), opts)
	require.NoError(t, err)
	return p
}

func setOnes(t *Tensor) {
	for i := range t.data {
		t.data[i] = 1
	}
}

func setIdentity(t *Tensor) {
	for i := range t.data {
		t.data[i] = 0
	}
	for i := 0; i < t.shape[0] && i < t.shape[1]; i++ {
		t.Set(1, i, i)
	}
}

// separableCorpus returns examples whose label is decided by a single
// keyword.
func separableCorpus(n int) []Example {
	keywords := [][]string{
		{"awful", "terrible", "horrible", "hate"},
		{"schedule", "tuesday", "report", "weather"},
		{"great", "wonderful", "love", "excellent"},
	}
	fillers := []string{"movie", "film", "day", "story", "food"}

	examples := make([]Example, n)
	for i := range examples {
		label := i % 3
		kw := keywords[label][(i/3)%len(keywords[label])]
		filler := fillers[i%len(fillers)]
		examples[i] = Example{Text: "The " + filler + " was " + kw + "!", Label: label}
	}
	return examples
}

// numericGrad is the central difference of f with respect to x[i].
func numericGrad(f func() float64, x []float64, i int) float64 {
	const h = 1e-5
	orig := x[i]
	x[i] = orig + h
	fp := f()
	x[i] = orig - h
	fm := f()
	x[i] = orig
	return (fp - fm) / (2 * h)
}
