package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type serveArgs struct {
	Model     string `arg:"--model,env:SENTIMENT_MODEL" help:"checkpoint written by the train command"`
	Host      string `arg:"--host" help:"interface to listen on"`
	Port      int    `arg:"--port,env:PORT" help:"port to listen on"`
	Device    string `arg:"--device" help:"cpu or cpu-parallel"`
	CacheSize int    `arg:"--cache-size" help:"number of predictions to memoize, 0 disables the cache"`
	LogLevel  string `arg:"--log-level" help:"debug, info, warn or error"`
	JSONLogs  bool   `arg:"--json-logs" help:"log as JSON"`
}

// RunServeCommand loads a checkpoint and serves the prediction website until
// interrupted.
func RunServeCommand(argv []string) error {
	args := serveArgs{
		Model:     "model.bin",
		Port:      5000,
		CacheSize: DefaultPredictorOptions().CacheSize,
		LogLevel:  "info",
	}
	if err := parseArgs("serve", &args, argv); err != nil {
		return err
	}

	logger, err := newLogger(args.LogLevel, args.JSONLogs)
	if err != nil {
		return err
	}
	defer logger.Sync()

	compute, err := resolveDevice(args.Device, logger)
	if err != nil {
		return err
	}
	SetComputeConfig(compute)

	ckpt, err := LoadCheckpoint(args.Model)
	if err != nil {
		return err
	}
	opts := DefaultPredictorOptions()
	opts.CacheSize = args.CacheSize
	predictor, err := NewPredictor(ckpt, opts)
	if err != nil {
		return err
	}
	logger.Info("model loaded",
		zap.String("path", args.Model),
		zap.Int("max_len", ckpt.Header.MaxLen),
		zap.Int("vocab", ckpt.Tokenizer.VocabSize()),
		zap.Float64("test_accuracy", ckpt.Header.Metrics.TestAccuracy),
		zap.Time("trained_at", ckpt.Header.CreatedAt))

	a, err := newApp(predictor, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(args.Host, strconv.Itoa(args.Port)),
		Handler:      a.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("device", compute.Device))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "shutting down")
}
