package main

import (
	"bytes"
	"encoding/csv"
	"io"
	"io/ioutil"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

var (
	// ErrMissingColumn is returned when the CSV header lacks a required column.
	ErrMissingColumn = errors.New("dataset: missing column")

	// ErrUnknownSentiment is returned for a sentiment value outside -1, 0, 1.
	ErrUnknownSentiment = errors.New("dataset: unknown sentiment value")
)

const (
	textColumn      = "text"
	sentimentColumn = "sentiment"
	notRelevant     = "not_relevant"
)

// Label indices.
const (
	LabelNegative = 0
	LabelNeutral  = 1
	LabelPositive = 2
)

// Example is one labelled text.
type Example struct {
	Text  string
	Label int
}

type datasetRow struct {
	Text      string `csv:"text"`
	Sentiment string `csv:"sentiment"`
}

// LoadExamples reads a sentiment CSV from disk.
func LoadExamples(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening dataset")
	}
	defer f.Close()

	examples, err := ParseExamples(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return examples, nil
}

// ParseExamples decodes a CSV with at least text and sentiment columns. Rows
// with an empty field or a not_relevant sentiment are dropped. Sentiments
// -1, 0, 1 become labels 0, 1, 2.
func ParseExamples(r io.Reader) ([]Example, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading csv")
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if err := checkHeader(data, textColumn, sentimentColumn); err != nil {
		return nil, err
	}

	var rows []*datasetRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, errors.Wrap(err, "decoding csv")
	}

	examples := make([]Example, 0, len(rows))
	for i, row := range rows {
		text := row.Text
		sentiment := strings.TrimSpace(row.Sentiment)
		if strings.TrimSpace(text) == "" || sentiment == "" || sentiment == notRelevant {
			continue
		}
		label, err := RemapSentiment(sentiment)
		if err != nil {
			// header is line 1
			return nil, errors.Wrapf(err, "line %d", i+2)
		}
		examples = append(examples, Example{Text: text, Label: label})
	}
	return examples, nil
}

func checkHeader(data []byte, required ...string) error {
	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err == io.EOF {
		return errors.Wrap(ErrMissingColumn, "empty file")
	}
	if err != nil {
		return errors.Wrap(err, "reading csv header")
	}
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = true
	}
	for _, col := range required {
		if !have[col] {
			return errors.Wrap(ErrMissingColumn, col)
		}
	}
	return nil
}

// RemapSentiment maps the raw sentiment -1, 0, 1 to labels 0, 1, 2.
func RemapSentiment(raw string) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownSentiment, "%q", raw)
	}
	switch v {
	case -1:
		return LabelNegative, nil
	case 0:
		return LabelNeutral, nil
	case 1:
		return LabelPositive, nil
	}
	return 0, errors.Wrapf(ErrUnknownSentiment, "%q", raw)
}

// SplitConfig controls how loaded examples are divided.
type SplitConfig struct {
	// TrainValSize rows from the top of the file are split into train and
	// validation.
	TrainValSize int `yaml:"train_val_size"`

	// TestSize rows following them form the test set.
	TestSize int `yaml:"test_size"`

	// ValFraction of the train/validation rows, rounded up, go to validation.
	ValFraction float64 `yaml:"val_fraction"`

	Seed int64 `yaml:"seed"`
}

// DefaultSplitConfig reserves 1% of the first 14900 rows for validation and
// the next 100 rows for testing.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		TrainValSize: 14900,
		TestSize:     100,
		ValFraction:  0.01,
		Seed:         2022,
	}
}

// Validate reports the first inconsistent field.
func (c SplitConfig) Validate() error {
	switch {
	case c.TrainValSize <= 0:
		return errors.Errorf("split: train_val_size must be positive, got %d", c.TrainValSize)
	case c.TestSize < 0:
		return errors.Errorf("split: test_size must not be negative, got %d", c.TestSize)
	case c.ValFraction < 0 || c.ValFraction >= 1:
		return errors.Errorf("split: val_fraction must be in [0, 1), got %g", c.ValFraction)
	}
	return nil
}

// Dataset is the three-way split used by a training run.
type Dataset struct {
	Train []Example
	Val   []Example
	Test  []Example
}

// SplitExamples takes the first TrainValSize examples for train/validation
// and the next TestSize for test. Files shorter than that yield smaller
// splits. Validation rows are chosen by a seeded shuffle.
func SplitExamples(examples []Example, cfg SplitConfig) (Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return Dataset{}, err
	}
	n := len(examples)
	trainValEnd := minInt(cfg.TrainValSize, n)
	testEnd := minInt(trainValEnd+cfg.TestSize, n)
	trainVal := examples[:trainValEnd]

	nVal := int(math.Ceil(cfg.ValFraction * float64(len(trainVal))))
	if nVal >= len(trainVal) {
		nVal = len(trainVal) - 1
	}
	if nVal < 0 {
		nVal = 0
	}

	perm := rand.New(rand.NewSource(cfg.Seed)).Perm(len(trainVal))
	ds := Dataset{
		Train: make([]Example, 0, len(trainVal)-nVal),
		Val:   make([]Example, 0, nVal),
		Test:  append([]Example(nil), examples[trainValEnd:testEnd]...),
	}
	for i, idx := range perm {
		if i < nVal {
			ds.Val = append(ds.Val, trainVal[idx])
		} else {
			ds.Train = append(ds.Train, trainVal[idx])
		}
	}
	return ds, nil
}

// Texts returns the example texts in order.
func Texts(examples []Example) []string {
	out := make([]string, len(examples))
	for i, ex := range examples {
		out[i] = ex.Text
	}
	return out
}

// Labels returns the example labels in order.
func Labels(examples []Example) []int {
	out := make([]int, len(examples))
	for i, ex := range examples {
		out[i] = ex.Label
	}
	return out
}

// EncodeExamples normalizes, tokenizes and labels every example.
func EncodeExamples(wp *WordPiece, examples []Example, maxLen int) ([]EncodedExample, error) {
	encoded, err := wp.EncodeBatch(Texts(examples), maxLen)
	if err != nil {
		return nil, err
	}
	for i, ex := range examples {
		encoded[i].Label = ex.Label
		encoded[i].HasLabel = true
	}
	return encoded, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
