package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TrainingConfig holds the fine-tuning hyperparameters.
type TrainingConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	AdamBeta1    float64 `yaml:"adam_beta1"`
	AdamBeta2    float64 `yaml:"adam_beta2"`
	AdamEpsilon  float64 `yaml:"adam_epsilon"`
	WeightDecay  float64 `yaml:"weight_decay"`
	WarmupSteps  int     `yaml:"warmup_steps"`
	MaxGradNorm  float64 `yaml:"max_grad_norm"`

	// LogEvery emits a progress event every N batches and on the last batch
	// of each epoch.
	LogEvery int `yaml:"log_every"`

	// Evaluate runs validation after every epoch.
	Evaluate bool `yaml:"evaluate"`

	// Seed drives model initialization, shuffling and dropout.
	Seed int64 `yaml:"seed"`
}

// DefaultTrainingConfig mirrors the usual BERT fine-tuning recipe.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:       4,
		BatchSize:    16,
		LearningRate: 5e-5,
		AdamBeta1:    0.9,
		AdamBeta2:    0.999,
		AdamEpsilon:  1e-8,
		WeightDecay:  0,
		WarmupSteps:  0,
		MaxGradNorm:  1.0,
		LogEvery:     20,
		Evaluate:     true,
		Seed:         42,
	}
}

// Validate reports the first inconsistent field.
func (c TrainingConfig) Validate() error {
	switch {
	case c.Epochs <= 0:
		return errors.Errorf("training: epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return errors.Errorf("training: batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return errors.Errorf("training: learning_rate must be positive, got %g", c.LearningRate)
	case c.MaxGradNorm <= 0:
		return errors.Errorf("training: max_grad_norm must be positive, got %g", c.MaxGradNorm)
	case c.LogEvery <= 0:
		return errors.Errorf("training: log_every must be positive, got %d", c.LogEvery)
	case c.WarmupSteps < 0:
		return errors.Errorf("training: warmup_steps must not be negative, got %d", c.WarmupSteps)
	}
	return nil
}

// ProgressEvent reports the average loss over the batches since the last
// event.
type ProgressEvent struct {
	Epoch   int
	Step    int
	AvgLoss float64
	Elapsed time.Duration
}

// EpochSummary closes an epoch. Validation fields are zero when validation
// did not run.
type EpochSummary struct {
	Epoch       int
	TrainLoss   float64
	ValLoss     float64
	ValAccuracy float64
	Validated   bool
	Elapsed     time.Duration
}

// Observer receives training observations as they happen.
type Observer interface {
	OnProgress(ProgressEvent)
	OnEpochEnd(EpochSummary)
}

// History is everything a training run observed.
type History struct {
	Progress   []ProgressEvent
	Epochs     []EpochSummary
	StepLosses []float64
}

// Trainer fine-tunes a Classifier. It owns the model's parameters for the
// duration of Train.
type Trainer struct {
	model    *Classifier
	config   TrainingConfig
	logger   *zap.Logger
	observer Observer
	rng      *rand.Rand
}

// NewTrainer validates config. A nil logger discards output.
func NewTrainer(model *Classifier, config TrainingConfig, logger *zap.Logger) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		model:  model,
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// SetObserver registers a callback receiver for progress and epoch events.
func (t *Trainer) SetObserver(o Observer) {
	t.observer = o
}

// Train runs the configured number of epochs over train, validating on val
// after each epoch when enabled. Shape errors raised by the model abort the
// run and are returned wrapped around ErrShapeMismatch.
func (t *Trainer) Train(ctx context.Context, train, val []EncodedExample) (hist *History, err error) {
	defer func() {
		if r := recover(); r != nil {
			hist, err = nil, recoveredError(r)
		}
	}()

	if len(train) == 0 {
		return nil, errors.New("training: no training examples")
	}
	batcher, err := NewBatcher(len(train), t.config.BatchSize, true, t.rng)
	if err != nil {
		return nil, err
	}

	params := t.model.Parameters()
	optimizer := NewAdamW(params, t.config.AdamBeta1, t.config.AdamBeta2, t.config.AdamEpsilon, t.config.WeightDecay)
	totalSteps := batcher.NumBatches() * t.config.Epochs
	schedule := NewLinearSchedule(t.config.LearningRate, t.config.WarmupSteps, totalSteps)

	t.logger.Info("training started",
		zap.Int("train_examples", len(train)),
		zap.Int("val_examples", len(val)),
		zap.Int("epochs", t.config.Epochs),
		zap.Int("batch_size", t.config.BatchSize),
		zap.Int("total_steps", totalSteps),
		zap.Int("trainable_tensors", len(params)),
		zap.Float64("learning_rate", t.config.LearningRate))

	hist = &History{}
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		t.model.Train()
		epochStart := time.Now()
		windowStart := epochStart
		windowLoss, windowCount := 0.0, 0
		var epochLosses []float64

		batches := batcher.Batches(train)
		for step, batch := range batches {
			if err := ctx.Err(); err != nil {
				return hist, err
			}

			loss := t.step(batch, params, optimizer, schedule)
			hist.StepLosses = append(hist.StepLosses, loss)
			epochLosses = append(epochLosses, loss)
			windowLoss += loss
			windowCount++

			last := step == len(batches)-1
			if (step%t.config.LogEvery == 0 && step != 0) || last {
				ev := ProgressEvent{
					Epoch:   epoch,
					Step:    step,
					AvgLoss: windowLoss / float64(windowCount),
					Elapsed: time.Since(windowStart),
				}
				t.emitProgress(hist, ev)
				windowLoss, windowCount = 0, 0
				windowStart = time.Now()
			}
		}

		trainLoss, err := stats.Mean(epochLosses)
		if err != nil {
			return hist, errors.Wrap(err, "averaging epoch loss")
		}
		summary := EpochSummary{Epoch: epoch, TrainLoss: trainLoss}
		if t.config.Evaluate && len(val) > 0 {
			res, err := Evaluate(t.model, val, t.config.BatchSize)
			if err != nil {
				return hist, errors.Wrapf(err, "validating epoch %d", epoch)
			}
			summary.ValLoss, summary.ValAccuracy, summary.Validated = res.Loss, res.Accuracy, true
		}
		summary.Elapsed = time.Since(epochStart)
		t.emitEpoch(hist, summary)
	}

	t.logger.Info("training complete", zap.Int("steps", len(hist.StepLosses)))
	return hist, nil
}

// step runs one forward/backward/update cycle and returns the batch loss.
func (t *Trainer) step(batch Batch, params []*Tensor, optimizer Optimizer, schedule *LinearSchedule) float64 {
	t.model.ZeroGrad()

	labels := batch.Labels()
	logits, cache := t.model.ForwardTrain(batch.Examples)
	loss := CrossEntropyLoss(logits, labels)
	t.model.Backward(cache, CrossEntropyBackward(logits, labels))

	ClipGradNorm(params, t.config.MaxGradNorm)
	optimizer.Step(params, schedule.LR())
	schedule.Step()
	return loss
}

func (t *Trainer) emitProgress(hist *History, ev ProgressEvent) {
	hist.Progress = append(hist.Progress, ev)
	t.logger.Info("training progress",
		zap.Int("epoch", ev.Epoch),
		zap.Int("batch", ev.Step),
		zap.Float64("train_loss", ev.AvgLoss),
		zap.Duration("elapsed", ev.Elapsed))
	if t.observer != nil {
		t.observer.OnProgress(ev)
	}
}

func (t *Trainer) emitEpoch(hist *History, s EpochSummary) {
	hist.Epochs = append(hist.Epochs, s)
	fields := []zap.Field{
		zap.Int("epoch", s.Epoch),
		zap.Float64("train_loss", s.TrainLoss),
		zap.Duration("elapsed", s.Elapsed),
	}
	if s.Validated {
		fields = append(fields, zap.Float64("val_loss", s.ValLoss), zap.Float64("val_accuracy", s.ValAccuracy))
	}
	t.logger.Info("epoch complete", fields...)
	if t.observer != nil {
		t.observer.OnEpochEnd(s)
	}
}

// EvalResult is the mean loss and mean per-batch accuracy (percent).
type EvalResult struct {
	Loss     float64
	Accuracy float64
}

// Evaluate runs the model in eval mode over sequential batches.
func Evaluate(model *Classifier, examples []EncodedExample, batchSize int) (EvalResult, error) {
	if len(examples) == 0 {
		return EvalResult{}, errors.New("evaluate: no examples")
	}
	batcher, err := NewBatcher(len(examples), batchSize, false, nil)
	if err != nil {
		return EvalResult{}, err
	}

	model.Eval()
	var losses, accuracies []float64
	for _, batch := range batcher.Batches(examples) {
		labels := batch.Labels()
		logits := model.Forward(batch.Examples)
		losses = append(losses, CrossEntropyLoss(logits, labels))

		correct := 0
		for i, label := range labels {
			if argmax(logits.Row(i)) == label {
				correct++
			}
		}
		accuracies = append(accuracies, 100*float64(correct)/float64(len(labels)))
	}

	loss, err := stats.Mean(losses)
	if err != nil {
		return EvalResult{}, errors.Wrap(err, "averaging loss")
	}
	acc, err := stats.Mean(accuracies)
	if err != nil {
		return EvalResult{}, errors.Wrap(err, "averaging accuracy")
	}
	return EvalResult{Loss: loss, Accuracy: acc}, nil
}

// CrossEntropyLoss is the mean negative log-likelihood of targets under
// softmax(logits), computed with log-sum-exp for stability.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 || len(targets) != logits.shape[0] {
		panic(errors.Wrapf(ErrShapeMismatch, "cross-entropy: logits %v, %d targets", logits.shape, len(targets)))
	}
	total := 0.0
	for b, target := range targets {
		row := logits.Row(b)
		if target < 0 || target >= len(row) {
			panic(errors.Wrapf(ErrShapeMismatch, "cross-entropy: target %d outside %d classes", target, len(row)))
		}
		maxLogit := row[0]
		for _, v := range row[1:] {
			maxLogit = math.Max(maxLogit, v)
		}
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxLogit)
		}
		total += maxLogit + math.Log(sumExp) - row[target]
	}
	return total / float64(len(targets))
}

// recoveredError converts a panic value from model code into an error.
func recoveredError(r interface{}) error {
	if err, ok := r.(error); ok {
		if errors.Cause(err) == ErrShapeMismatch {
			return errors.Wrap(err, "training aborted")
		}
		return errors.Wrapf(ErrShapeMismatch, "training aborted: %v", err)
	}
	return errors.Wrapf(ErrShapeMismatch, "training aborted: %s", fmt.Sprint(r))
}
