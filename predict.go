package main

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

var (
	sentimentLabels = []string{"Negative", "Neutral", "Positive"}

	// sentimentColors are Bootstrap contextual classes per label.
	sentimentColors = []string{"danger", "primary", "success"}
)

const defaultColor = "secondary"

// PredictionResult is the predicted class for one text.
type PredictionResult struct {
	Text  string
	Index int
	Label string
	Color string
}

// PredictorOptions tunes a Predictor.
type PredictorOptions struct {
	// CacheSize is the number of normalized texts whose predictions are
	// memoized. 0 disables the cache.
	CacheSize int

	// BatchSize bounds how many uncached texts share one forward pass.
	BatchSize int
}

// DefaultPredictorOptions caches 1024 predictions and batches by 16.
func DefaultPredictorOptions() PredictorOptions {
	return PredictorOptions{CacheSize: 1024, BatchSize: 16}
}

// Predictor serves predictions from a loaded checkpoint. The model is never
// written after construction, so a Predictor is safe for concurrent use.
type Predictor struct {
	model     *Classifier
	tokenizer *WordPiece
	maxLen    int
	labels    []string
	batchSize int
	cache     *lru.Cache
	metrics   EvalMetrics
}

// NewPredictor wraps ckpt for inference.
func NewPredictor(ckpt *Checkpoint, opts PredictorOptions) (*Predictor, error) {
	if ckpt == nil || ckpt.Model == nil || ckpt.Tokenizer == nil {
		return nil, errors.New("predictor: incomplete checkpoint")
	}
	if ckpt.Header.MaxLen < 2 {
		return nil, errors.Wrapf(ErrMaxLenTooSmall, "checkpoint max_len %d", ckpt.Header.MaxLen)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultPredictorOptions().BatchSize
	}
	labels := ckpt.Header.Labels
	if len(labels) == 0 {
		labels = sentimentLabels
	}

	p := &Predictor{
		model:     ckpt.Model,
		tokenizer: ckpt.Tokenizer,
		maxLen:    ckpt.Header.MaxLen,
		labels:    labels,
		batchSize: opts.BatchSize,
		metrics:   ckpt.Header.Metrics,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New(opts.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "creating prediction cache")
		}
		p.cache = cache
	}
	p.model.Eval()
	return p, nil
}

// Metrics returns the evaluation metrics stored with the model.
func (p *Predictor) Metrics() EvalMetrics {
	return p.metrics
}

// Predict classifies each text. Results are in input order.
func (p *Predictor) Predict(texts []string) []PredictionResult {
	results := make([]PredictionResult, len(texts))
	var pending []int
	var pendingNorm []string

	for i, text := range texts {
		normalized := Normalize(text)
		if p.cache != nil {
			if v, ok := p.cache.Get(normalized); ok {
				res := v.(PredictionResult)
				res.Text = text
				results[i] = res
				continue
			}
		}
		pending = append(pending, i)
		pendingNorm = append(pendingNorm, normalized)
	}

	for start := 0; start < len(pending); start += p.batchSize {
		end := minInt(start+p.batchSize, len(pending))
		batch := make([]EncodedExample, 0, end-start)
		for _, normalized := range pendingNorm[start:end] {
			// maxLen was validated at construction
			ex, _ := p.tokenizer.Encode(normalized, p.maxLen)
			batch = append(batch, ex)
		}

		logits := p.model.Forward(batch)
		for j := range batch {
			res := p.result(argmax(logits.Row(j)))
			if p.cache != nil {
				p.cache.Add(pendingNorm[start+j], res)
			}
			res.Text = texts[pending[start+j]]
			results[pending[start+j]] = res
		}
	}
	return results
}

func (p *Predictor) result(index int) PredictionResult {
	res := PredictionResult{Index: index, Label: "Unknown", Color: defaultColor}
	if index >= 0 && index < len(p.labels) {
		res.Label = p.labels[index]
	}
	if index >= 0 && index < len(sentimentColors) {
		res.Color = sentimentColors[index]
	}
	return res
}

// Evaluate predicts texts and returns the percentage matching labels.
func (p *Predictor) Evaluate(texts []string, labels []int) (float64, []PredictionResult, error) {
	if len(texts) != len(labels) {
		return 0, nil, errors.Errorf("evaluate: %d texts with %d labels", len(texts), len(labels))
	}
	if len(texts) == 0 {
		return 0, nil, errors.New("evaluate: no examples")
	}
	preds := p.Predict(texts)
	correct := 0
	for i, pred := range preds {
		if pred.Index == labels[i] {
			correct++
		}
	}
	return 100 * float64(correct) / float64(len(texts)), preds, nil
}
