package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictLabels(t *testing.T) {
	p := newPolarityPredictor(t, DefaultPredictorOptions())

	cases := []struct {
		text  string
		label string
		color string
	}{
		{"I absolutely hate this, worst experience ever", "Negative", "danger"},
		{"What an awful movie!", "Negative", "danger"},
		{"I love this movie, best experience ever", "Positive", "success"},
		{"The weather report", "Neutral", "primary"},
		{"", "Neutral", "primary"},
	}
	texts := make([]string, len(cases))
	for i, tc := range cases {
		texts[i] = tc.text
	}

	results := p.Predict(texts)
	require.Len(t, results, len(cases))
	for i, tc := range cases {
		assert.Equal(t, tc.text, results[i].Text)
		assert.Equal(t, tc.label, results[i].Label, tc.text)
		assert.Equal(t, tc.color, results[i].Color, tc.text)
	}
}

// TestPredictCache checks that cached results keep the caller's original
// text and match uncached predictions.
func TestPredictCache(t *testing.T) {
	cached := newPolarityPredictor(t, PredictorOptions{CacheSize: 4, BatchSize: 2})
	uncached := newPolarityPredictor(t, PredictorOptions{})

	texts := []string{"HATE it", "hate it!", "love", "weather"}
	first := cached.Predict(texts)
	second := cached.Predict(texts)
	assert.Equal(t, first, second)
	assert.Equal(t, uncached.Predict(texts), first)
	assert.Equal(t, "hate it!", second[1].Text)
	assert.Equal(t, 3, cached.cache.Len())
}

func TestPredictConcurrent(t *testing.T) {
	p := newPolarityPredictor(t, PredictorOptions{CacheSize: 8})
	want := p.Predict([]string{"worst day", "best day", "report"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, p.Predict([]string{"worst day", "best day", "report"}))
		}()
	}
	wg.Wait()
}

func TestPredictorEvaluate(t *testing.T) {
	p := newPolarityPredictor(t, DefaultPredictorOptions())

	acc, preds, err := p.Evaluate(
		[]string{"hate", "love", "report", "great"},
		[]int{LabelNegative, LabelPositive, LabelNeutral, LabelNeutral},
	)
	require.NoError(t, err)
	assert.Equal(t, 75.0, acc)
	assert.Len(t, preds, 4)

	_, _, err = p.Evaluate([]string{"a"}, nil)
	assert.Error(t, err)
	_, _, err = p.Evaluate(nil, nil)
	assert.Error(t, err)
}

func TestPredictorMetricsAndResult(t *testing.T) {
	p := newPolarityPredictor(t, DefaultPredictorOptions())
	assert.Equal(t, 86.25, p.Metrics().TestAccuracy)

	unknown := p.result(7)
	assert.Equal(t, "Unknown", unknown.Label)
	assert.Equal(t, "secondary", unknown.Color)

	_, err := NewPredictor(nil, DefaultPredictorOptions())
	assert.Error(t, err)
}
