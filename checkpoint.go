package main

// ===========================================================================
// CHECKPOINT FORMAT
// ===========================================================================
//
//   uint32 (little endian)  length of the JSON header
//   JSON header             CheckpointHeader
//   float64 (little endian) every tensor of Classifier.AllParameters, in order
//
// The header carries everything needed to rebuild the model and tokenizer,
// so one file is enough to serve predictions.
// ===========================================================================

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
)

const checkpointVersion = "sentiment.v1"

// maxHeaderBytes guards against reading garbage as a header length.
const maxHeaderBytes = 256 << 20

// ErrCheckpointFormat is returned for files that are not sentiment checkpoints.
var ErrCheckpointFormat = errors.New("checkpoint: bad format")

// EvalMetrics records how the saved model scored when it was trained.
type EvalMetrics struct {
	ValLoss      float64 `json:"val_loss"`
	ValAccuracy  float64 `json:"val_accuracy"`
	TestAccuracy float64 `json:"test_accuracy"`
	TestExamples int     `json:"test_examples"`
}

// CheckpointHeader is the JSON metadata at the start of a checkpoint.
type CheckpointHeader struct {
	Version   string        `json:"version"`
	Encoder   EncoderConfig `json:"encoder"`
	Head      HeadConfig    `json:"head"`
	Vocab     []string      `json:"vocab"`
	MaxLen    int           `json:"max_len"`
	Labels    []string      `json:"labels"`
	Metrics   EvalMetrics   `json:"metrics"`
	CreatedAt time.Time     `json:"created_at"`
}

// Checkpoint is a loaded model with its tokenizer and metadata.
type Checkpoint struct {
	Header    CheckpointHeader
	Model     *Classifier
	Tokenizer *WordPiece
}

// NewCheckpoint bundles a trained model for saving.
func NewCheckpoint(model *Classifier, tok *WordPiece, maxLen int, metrics EvalMetrics) *Checkpoint {
	return &Checkpoint{
		Header: CheckpointHeader{
			Version:   checkpointVersion,
			Encoder:   model.EncoderConfig(),
			Head:      model.HeadConfig(),
			Vocab:     tok.Tokens(),
			MaxLen:    maxLen,
			Labels:    append([]string(nil), sentimentLabels...),
			Metrics:   metrics,
			CreatedAt: time.Now().UTC(),
		},
		Model:     model,
		Tokenizer: tok,
	}
}

// Save writes the checkpoint to path.
func (c *Checkpoint) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating checkpoint")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := c.WriteTo(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flushing checkpoint")
	}
	return errors.Wrap(f.Sync(), "syncing checkpoint")
}

// WriteTo serializes the header and parameters.
func (c *Checkpoint) WriteTo(w io.Writer) error {
	header, err := json.Marshal(c.Header)
	if err != nil {
		return errors.Wrap(err, "marshalling checkpoint header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return errors.Wrap(err, "writing header length")
	}
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "writing header")
	}
	for i, p := range c.Model.AllParameters() {
		if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return errors.Wrapf(err, "writing tensor %d", i)
		}
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by Save.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening checkpoint")
	}
	defer f.Close()

	c, err := ReadCheckpoint(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return c, nil
}

// ReadCheckpoint rebuilds the model and tokenizer from r.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(ErrCheckpointFormat, "reading header length")
	}
	if headerLen == 0 || headerLen > maxHeaderBytes {
		return nil, errors.Wrapf(ErrCheckpointFormat, "header length %d", headerLen)
	}
	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(ErrCheckpointFormat, "truncated header")
	}

	var header CheckpointHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, errors.Wrapf(ErrCheckpointFormat, "decoding header: %v", err)
	}
	if header.Version != checkpointVersion {
		return nil, errors.Wrapf(ErrCheckpointFormat, "version %q, want %q", header.Version, checkpointVersion)
	}
	if len(header.Labels) != header.Head.NumLabels {
		return nil, errors.Wrapf(ErrCheckpointFormat, "%d labels for %d classes", len(header.Labels), header.Head.NumLabels)
	}
	if header.MaxLen < 2 || header.MaxLen > header.Encoder.MaxPositions {
		return nil, errors.Wrapf(ErrCheckpointFormat, "max_len %d", header.MaxLen)
	}

	tok, err := NewWordPiece(header.Vocab)
	if err != nil {
		return nil, errors.Wrap(err, "rebuilding tokenizer")
	}
	if tok.VocabSize() != header.Encoder.VocabSize {
		return nil, errors.Wrapf(ErrCheckpointFormat, "vocabulary has %d tokens, encoder expects %d", tok.VocabSize(), header.Encoder.VocabSize)
	}

	// Weights are overwritten below; the seed only satisfies the constructor.
	model, err := NewClassifier(header.Encoder, header.Head, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, errors.Wrap(err, "rebuilding model")
	}
	for i, p := range model.AllParameters() {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return nil, errors.Wrapf(ErrCheckpointFormat, "reading tensor %d: %v", i, err)
		}
	}
	model.Eval()

	return &Checkpoint{Header: header, Model: model, Tokenizer: tok}, nil
}
