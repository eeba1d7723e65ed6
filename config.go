package main

import (
	"io/ioutil"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// RunConfig gathers everything a training run can be configured with. YAML
// files overlay the defaults, so they only need the fields that change.
type RunConfig struct {
	Device    string         `yaml:"device"`
	VocabSize int            `yaml:"vocab_size"`
	Encoder   EncoderConfig  `yaml:"encoder"`
	Head      HeadConfig     `yaml:"head"`
	Training  TrainingConfig `yaml:"training"`
	Split     SplitConfig    `yaml:"split"`
}

// DefaultRunConfig returns the defaults for every section.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Device:    DeviceCPU,
		VocabSize: 8000,
		Encoder:   DefaultEncoderConfig(),
		Head:      DefaultHeadConfig(),
		Training:  DefaultTrainingConfig(),
		Split:     DefaultSplitConfig(),
	}
}

// LoadRunConfig overlays the YAML file at path on the defaults. Unknown keys
// are rejected.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// Validate checks every section. The device is resolved separately, and the
// encoder's vocabulary size comes from the tokenizer.
func (c RunConfig) Validate() error {
	if c.VocabSize <= 0 {
		return errors.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	enc := c.Encoder
	enc.VocabSize = c.VocabSize
	if err := enc.Validate(); err != nil {
		return err
	}
	if err := c.Head.Validate(); err != nil {
		return err
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	return c.Split.Validate()
}
