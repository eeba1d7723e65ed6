package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

type predictArgs struct {
	Model  string   `arg:"--model,env:SENTIMENT_MODEL" help:"checkpoint written by the train command"`
	Device string   `arg:"--device" help:"cpu or cpu-parallel"`
	Texts  []string `arg:"positional,required" help:"sentences to classify"`
}

// RunPredictCommand prints one label per sentence.
func RunPredictCommand(argv []string) error {
	args := predictArgs{Model: "model.bin"}
	if err := parseArgs("predict", &args, argv); err != nil {
		return err
	}

	compute, err := ParseDevice(args.Device)
	if err != nil {
		return err
	}
	SetComputeConfig(compute)

	ckpt, err := LoadCheckpoint(args.Model)
	if err != nil {
		return err
	}
	predictor, err := NewPredictor(ckpt, PredictorOptions{})
	if err != nil {
		return err
	}
	return writePredictions(os.Stdout, predictor.Predict(args.Texts))
}

func writePredictions(w io.Writer, preds []PredictionResult) error {
	for _, p := range preds {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", p.Label, p.Text); err != nil {
			return errors.Wrap(err, "writing predictions")
		}
	}
	return nil
}
