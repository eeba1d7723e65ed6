package main

import (
	"context"
	"math/rand"
	"testing"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	progress []ProgressEvent
	epochs   []EpochSummary
}

func (o *recordingObserver) OnProgress(ev ProgressEvent) { o.progress = append(o.progress, ev) }
func (o *recordingObserver) OnEpochEnd(s EpochSummary) { o.epochs = append(o.epochs, s) }

func newSeparableSetup(t *testing.T, n int) (*Classifier, []EncodedExample) {
	t.Helper()
	examples := separableCorpus(n)
	tok, err := BuildVocab(NormalizeAll(Texts(examples)), 500)
	require.NoError(t, err)
	encoded, err := EncodeExamples(tok, examples, 8)
	require.NoError(t, err)

	enc := tinyEncoderConfig(tok.VocabSize())
	enc.InitRange = 0.1
	model, err := NewClassifier(enc, HeadConfig{HiddenUnits: 16, NumLabels: 3}, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	return model, encoded
}

func testTrainingConfig() TrainingConfig {
	cfg := DefaultTrainingConfig()
	cfg.BatchSize = 6
	cfg.LearningRate = 5e-3
	cfg.LogEvery = 2
	return cfg
}

// TestTrainerReducesLoss trains on a corpus whose label is decided by one
// keyword and checks that the loss goes down.
func TestTrainerReducesLoss(t *testing.T) {
	model, encoded := newSeparableSetup(t, 30)
	cfg := testTrainingConfig()
	cfg.Epochs = 25

	trainer, err := NewTrainer(model, cfg, nil)
	require.NoError(t, err)
	hist, err := trainer.Train(context.Background(), encoded, encoded[:9])
	require.NoError(t, err)

	perEpoch := len(hist.StepLosses) / cfg.Epochs
	require.Equal(t, 5, perEpoch)
	first, err := stats.Mean(hist.StepLosses[:perEpoch])
	require.NoError(t, err)
	last, err := stats.Mean(hist.StepLosses[len(hist.StepLosses)-perEpoch:])
	require.NoError(t, err)
	assert.Less(t, last, first)

	require.Len(t, hist.Epochs, cfg.Epochs)
	final := hist.Epochs[cfg.Epochs-1]
	assert.True(t, final.Validated)
	assert.Less(t, final.TrainLoss, hist.Epochs[0].TrainLoss)
}

func TestTrainerProgressEvents(t *testing.T) {
	model, encoded := newSeparableSetup(t, 30)
	cfg := testTrainingConfig()
	cfg.Epochs = 2
	cfg.Evaluate = false

	trainer, err := NewTrainer(model, cfg, nil)
	require.NoError(t, err)
	obs := &recordingObserver{}
	trainer.SetObserver(obs)

	hist, err := trainer.Train(context.Background(), encoded, nil)
	require.NoError(t, err)

	// five batches per epoch: events after batch 2 and after the last batch
	var steps, epochs []int
	for _, ev := range hist.Progress {
		steps = append(steps, ev.Step)
		epochs = append(epochs, ev.Epoch)
	}
	assert.Equal(t, []int{2, 4, 2, 4}, steps)
	assert.Equal(t, []int{1, 1, 2, 2}, epochs)
	assert.Equal(t, hist.Progress, obs.progress)
	assert.Equal(t, hist.Epochs, obs.epochs)
	assert.False(t, hist.Epochs[0].Validated)

	// the first window covers batches 0..2
	avg, err := stats.Mean(hist.StepLosses[:3])
	require.NoError(t, err)
	assert.InDelta(t, avg, hist.Progress[0].AvgLoss, 1e-12)
}

func TestTrainerShapeErrors(t *testing.T) {
	model, encoded := newSeparableSetup(t, 6)
	bad := append([]EncodedExample{}, encoded...)
	bad[3].InputIDs = append([]int{}, bad[3].InputIDs...)
	bad[3].InputIDs[1] = 100000

	trainer, err := NewTrainer(model, testTrainingConfig(), nil)
	require.NoError(t, err)
	_, err = trainer.Train(context.Background(), bad, nil)
	require.Error(t, err)
	assert.Equal(t, ErrShapeMismatch, errors.Cause(err))

	_, err = trainer.Train(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestTrainerCanceled(t *testing.T) {
	model, encoded := newSeparableSetup(t, 6)
	trainer, err := NewTrainer(model, testTrainingConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hist, err := trainer.Train(ctx, encoded, nil)
	assert.Equal(t, context.Canceled, err)
	assert.Empty(t, hist.StepLosses)
}

func TestTrainingConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultTrainingConfig().Validate())

	for _, mutate := range []func(*TrainingConfig){
		func(c *TrainingConfig) { c.Epochs = 0 },
		func(c *TrainingConfig) { c.BatchSize = -1 },
		func(c *TrainingConfig) { c.LearningRate = 0 },
		func(c *TrainingConfig) { c.MaxGradNorm = 0 },
		func(c *TrainingConfig) { c.LogEvery = 0 },
		func(c *TrainingConfig) { c.WarmupSteps = -1 },
	} {
		cfg := DefaultTrainingConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate())
		_, err := NewTrainer(nil, cfg, nil)
		assert.Error(t, err)
	}
}

// TestEvaluate checks that accuracy is the mean of per-batch accuracies.
func TestEvaluate(t *testing.T) {
	ckpt := newPolarityCheckpoint(t)
	examples := []Example{
		{Text: "hate it", Label: LabelNegative},
		{Text: "love", Label: LabelPositive},
		{Text: "report", Label: LabelNeutral},
		{Text: "great", Label: LabelNeutral},
		{Text: "awful", Label: LabelPositive},
	}
	encoded, err := EncodeExamples(ckpt.Tokenizer, examples, polarityMaxLen)
	require.NoError(t, err)

	res, err := Evaluate(ckpt.Model, encoded, 2)
	require.NoError(t, err)
	// batches score 100%, 50% and 0%
	assert.InDelta(t, 50, res.Accuracy, 1e-9)
	assert.Greater(t, res.Loss, 0.0)

	_, err = Evaluate(ckpt.Model, nil, 2)
	assert.Error(t, err)
}

func TestRecoveredError(t *testing.T) {
	err := recoveredError(errors.Wrap(ErrShapeMismatch, "inner"))
	assert.Equal(t, ErrShapeMismatch, errors.Cause(err))

	err = recoveredError("index out of range")
	assert.Equal(t, ErrShapeMismatch, errors.Cause(err))
	assert.Contains(t, err.Error(), "index out of range")
}
