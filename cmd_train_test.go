package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseTrainArgs(t *testing.T) {
	args := trainArgs{Model: "model.bin"}
	err := parseArgs("train", &args, []string{"--data", "data.csv", "--epochs", "3", "--lr", "0.01", "--freeze-encoder"})
	require.NoError(t, err)
	assert.Equal(t, "data.csv", args.Data)
	assert.Equal(t, "model.bin", args.Model)
	assert.Equal(t, 3, args.Epochs)
	assert.Equal(t, 0.01, args.LearningRate)
	assert.True(t, args.FreezeEncoder)

	assert.Error(t, parseArgs("train", &trainArgs{}, []string{"--epochs", "3"}))
}

func TestTrainConfigOverrides(t *testing.T) {
	cfg, err := trainConfig(trainArgs{
		Config:        filepath.Join("testdata", "tiny.yaml"),
		Device:        "cpu-parallel",
		Epochs:        7,
		BatchSize:     3,
		LearningRate:  0.5,
		FreezeEncoder: true,
		NoEval:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "cpu-parallel", cfg.Device)
	assert.Equal(t, 7, cfg.Training.Epochs)
	assert.Equal(t, 3, cfg.Training.BatchSize)
	assert.Equal(t, 0.5, cfg.Training.LearningRate)
	assert.True(t, cfg.Head.FreezeEncoder)
	assert.False(t, cfg.Training.Evaluate)
	assert.Equal(t, 8, cfg.Encoder.HiddenDim)

	cfg, err = trainConfig(trainArgs{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRunConfig(), cfg)

	_, err = trainConfig(trainArgs{Config: filepath.Join("testdata", "missing.yaml")})
	assert.Error(t, err)
}

// TestRunTraining runs the whole pipeline on the bundled CSV and checks that
// the checkpoint it writes can be served.
func TestRunTraining(t *testing.T) {
	cfg, err := trainConfig(trainArgs{Config: filepath.Join("testdata", "tiny.yaml")})
	require.NoError(t, err)

	dir := t.TempDir()
	args := trainArgs{
		Data:      filepath.Join("testdata", "sentiment.csv"),
		Model:     filepath.Join(dir, "model.bin"),
		SaveVocab: filepath.Join(dir, "vocab.txt"),
		Sample:    "I love this phone",
	}
	require.NoError(t, runTraining(context.Background(), cfg, args, zap.NewNop()))

	ckpt, err := LoadCheckpoint(args.Model)
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Header.Metrics.TestExamples)
	assert.Equal(t, 8, ckpt.Model.EncoderConfig().HiddenDim)
	assert.True(t, ckpt.Header.MaxLen >= 2 && ckpt.Header.MaxLen <= 32)

	vocab, err := LoadVocab(args.SaveVocab)
	require.NoError(t, err)
	assert.Equal(t, ckpt.Tokenizer.Tokens(), vocab.Tokens())

	// training again from the saved vocabulary gives the same tokenizer
	args.Vocab, args.SaveVocab = args.SaveVocab, ""
	args.Model = filepath.Join(dir, "again.bin")
	require.NoError(t, runTraining(context.Background(), cfg, args, zap.NewNop()))
	again, err := LoadCheckpoint(args.Model)
	require.NoError(t, err)
	assert.Equal(t, vocab.Tokens(), again.Tokenizer.Tokens())

	predictor, err := NewPredictor(again, PredictorOptions{})
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, writePredictions(&out, predictor.Predict([]string{"hello there"})))
	assert.Regexp(t, `^(Negative|Neutral|Positive)\thello there\n$`, out.String())
}

func TestRunTrainingMissingData(t *testing.T) {
	err := runTraining(context.Background(), DefaultRunConfig(), trainArgs{Data: filepath.Join("testdata", "nope.csv")}, zap.NewNop())
	assert.Error(t, err)
}
