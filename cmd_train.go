package main

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// End-to-end fine-tuning run:
//
//   CSV → filter + remap labels → train/val/test split
//       → vocabulary (vocab.txt or built from the corpus)
//       → maxLen over train+val → encode
//       → Trainer.Train → test accuracy → checkpoint
//
// Hyperparameters come from defaults, then an optional YAML file, then the
// few flags below that override it.
// ===========================================================================

import (
	"context"
	"math/rand"
	"os"
	"os/signal"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"
)

type trainArgs struct {
	Data          string  `arg:"--data,required" help:"CSV file with text and sentiment columns"`
	Model         string  `arg:"--model" help:"where to write the checkpoint"`
	Config        string  `arg:"--config" help:"YAML file overriding the default hyperparameters"`
	Vocab         string  `arg:"--vocab" help:"BERT vocab.txt to use instead of building one from the corpus"`
	SaveVocab     string  `arg:"--save-vocab" help:"write the vocabulary to this vocab.txt"`
	Device        string  `arg:"--device" help:"cpu or cpu-parallel"`
	Epochs        int     `arg:"--epochs" help:"override training.epochs"`
	BatchSize     int     `arg:"--batch-size" help:"override training.batch_size"`
	LearningRate  float64 `arg:"--lr" help:"override training.learning_rate"`
	FreezeEncoder bool    `arg:"--freeze-encoder" help:"train only the classification head"`
	NoEval        bool    `arg:"--no-eval" help:"skip per-epoch validation"`
	Sample        string  `arg:"--sample" help:"classify this sentence with the trained model"`
	LogLevel      string  `arg:"--log-level" help:"debug, info, warn or error"`
	JSONLogs      bool    `arg:"--json-logs" help:"log as JSON"`
}

// RunTrainCommand fine-tunes a classifier and saves a checkpoint.
func RunTrainCommand(argv []string) error {
	args := trainArgs{
		Model:    "model.bin",
		LogLevel: "info",
	}
	if err := parseArgs("train", &args, argv); err != nil {
		return err
	}

	logger, err := newLogger(args.LogLevel, args.JSONLogs)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := trainConfig(args)
	if err != nil {
		return err
	}
	compute, err := resolveDevice(cfg.Device, logger)
	if err != nil {
		return err
	}
	SetComputeConfig(compute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return runTraining(ctx, cfg, args, logger)
}

// trainConfig layers the YAML file and flag overrides on the defaults.
func trainConfig(args trainArgs) (RunConfig, error) {
	cfg := DefaultRunConfig()
	if args.Config != "" {
		var err error
		if cfg, err = LoadRunConfig(args.Config); err != nil {
			return cfg, err
		}
	}
	if args.Device != "" {
		cfg.Device = args.Device
	}
	if args.Epochs > 0 {
		cfg.Training.Epochs = args.Epochs
	}
	if args.BatchSize > 0 {
		cfg.Training.BatchSize = args.BatchSize
	}
	if args.LearningRate > 0 {
		cfg.Training.LearningRate = args.LearningRate
	}
	if args.FreezeEncoder {
		cfg.Head.FreezeEncoder = true
	}
	if args.NoEval {
		cfg.Training.Evaluate = false
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func runTraining(ctx context.Context, cfg RunConfig, args trainArgs, logger *zap.Logger) error {
	examples, err := LoadExamples(args.Data)
	if err != nil {
		return err
	}
	ds, err := SplitExamples(examples, cfg.Split)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded",
		zap.String("path", args.Data),
		zap.Int("examples", len(examples)),
		zap.Int("train", len(ds.Train)),
		zap.Int("val", len(ds.Val)),
		zap.Int("test", len(ds.Test)))

	trainVal := append(append([]Example(nil), ds.Train...), ds.Val...)
	if len(trainVal) == 0 {
		return errors.Errorf("%s has no usable training rows", args.Data)
	}
	tok, err := loadOrBuildVocab(args.Vocab, trainVal, cfg.VocabSize)
	if err != nil {
		return err
	}
	logger.Info("vocabulary ready", zap.Int("tokens", tok.VocabSize()))
	if args.SaveVocab != "" {
		if err := tok.SaveVocab(args.SaveVocab); err != nil {
			return err
		}
	}

	maxLen := tok.MaxEncodedLen(Texts(trainVal), cfg.Encoder.MaxPositions)
	logger.Info("sequence length", zap.Int("max_len", maxLen))
	if first, err := tok.Encode(Normalize(trainVal[0].Text), maxLen); err == nil {
		logger.Debug("first example",
			zap.String("original", trainVal[0].Text),
			zap.Ints("token_ids", first.InputIDs))
	}

	trainEnc, err := encodeWithProgress(tok, ds.Train, maxLen, "Tokenizing train")
	if err != nil {
		return err
	}
	valEnc, err := encodeWithProgress(tok, ds.Val, maxLen, "Tokenizing val")
	if err != nil {
		return err
	}

	encCfg := cfg.Encoder
	encCfg.VocabSize = tok.VocabSize()
	model, err := NewClassifier(encCfg, cfg.Head, rand.New(rand.NewSource(cfg.Training.Seed)))
	if err != nil {
		return err
	}
	logger.Info("model initialized",
		zap.String("parameters", humanize.Comma(int64(model.NumParameters()))),
		zap.Int("layers", encCfg.NumLayers),
		zap.Int("hidden", encCfg.HiddenDim),
		zap.Bool("freeze_encoder", cfg.Head.FreezeEncoder))

	trainer, err := NewTrainer(model, cfg.Training, logger)
	if err != nil {
		return err
	}
	hist, err := trainer.Train(ctx, trainEnc, valEnc)
	if err != nil {
		return errors.Wrap(err, "training")
	}

	metrics := EvalMetrics{}
	if n := len(hist.Epochs); n > 0 && hist.Epochs[n-1].Validated {
		metrics.ValLoss = hist.Epochs[n-1].ValLoss
		metrics.ValAccuracy = hist.Epochs[n-1].ValAccuracy
	}

	ckpt := NewCheckpoint(model, tok, maxLen, metrics)
	predictor, err := NewPredictor(ckpt, DefaultPredictorOptions())
	if err != nil {
		return err
	}
	if len(ds.Test) > 0 {
		acc, _, err := predictor.Evaluate(Texts(ds.Test), Labels(ds.Test))
		if err != nil {
			return err
		}
		ckpt.Header.Metrics.TestAccuracy = acc
		ckpt.Header.Metrics.TestExamples = len(ds.Test)
		logger.Info("test evaluation", zap.Int("examples", len(ds.Test)), zap.Float64("accuracy", acc))
	}

	if err := ckpt.Save(args.Model); err != nil {
		return err
	}
	fields := []zap.Field{zap.String("path", args.Model)}
	if fi, err := os.Stat(args.Model); err == nil {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(fi.Size()))))
	}
	logger.Info("checkpoint saved", fields...)

	if args.Sample != "" {
		res := predictor.Predict([]string{args.Sample})[0]
		logger.Info("sample prediction", zap.String("text", args.Sample), zap.String("label", res.Label))
	}
	return nil
}

func loadOrBuildVocab(path string, corpus []Example, size int) (*WordPiece, error) {
	if path != "" {
		return LoadVocab(path)
	}
	return BuildVocab(NormalizeAll(Texts(corpus)), size)
}

// encodeWithProgress is EncodeExamples with a progress bar on stderr.
func encodeWithProgress(tok *WordPiece, examples []Example, maxLen int, desc string) ([]EncodedExample, error) {
	out := make([]EncodedExample, len(examples))
	if len(examples) == 0 {
		return out, nil
	}
	var encErr error
	err := tqdm.With(iterators.Interval(0, len(examples)), desc, func(v interface{}) (brk bool) {
		i := v.(int)
		ex, err := tok.Encode(Normalize(examples[i].Text), maxLen)
		if err != nil {
			encErr = err
			return true
		}
		ex.Label, ex.HasLabel = examples[i].Label, true
		out[i] = ex
		return false
	})
	if encErr != nil {
		return nil, encErr
	}
	if err != nil {
		return nil, errors.Wrap(err, "encoding examples")
	}
	return out, nil
}
