package main

import (
	"fmt"
	"os"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
)

// errHelpShown tells a command to stop after --help.
var errHelpShown = errors.New("help shown")

// parseArgs fills dest from argv for the given subcommand.
func parseArgs(command string, dest interface{}, argv []string) error {
	parser, err := arg.NewParser(arg.Config{Program: "sentiment " + command}, dest)
	if err != nil {
		return errors.Wrap(err, "building argument parser")
	}
	switch err := parser.Parse(argv); err {
	case nil:
		return nil
	case arg.ErrHelp:
		parser.WriteHelp(os.Stdout)
		return errHelpShown
	default:
		parser.WriteUsage(os.Stderr)
		return err
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "train":
		err = RunTrainCommand(os.Args[2:])
	case "serve":
		err = RunServeCommand(os.Args[2:])
	case "predict":
		err = RunPredictCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(2)
	}
	if err != nil && err != errHelpShown {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sentiment [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train     Fine-tune the classifier on a labelled CSV and save a checkpoint")
	fmt.Println("  serve     Serve the prediction website from a checkpoint")
	fmt.Println("  predict   Classify sentences from the command line")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Run 'sentiment [command] --help' for the options of a command.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  sentiment train --data dataset.csv --model model.bin")
	fmt.Println("  sentiment train --data dataset.csv --config tiny.yaml --device cpu-parallel")
	fmt.Println("  sentiment serve --model model.bin --port 5000")
	fmt.Println("  sentiment predict --model model.bin \"what a great day\"")
	fmt.Println()
}
