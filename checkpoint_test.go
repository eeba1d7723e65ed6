package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCheckpointRoundTrip saves a randomly initialized model and checks that
// the reloaded copy produces identical logits.
func TestCheckpointRoundTrip(t *testing.T) {
	tok := testWordPiece(t)
	head := HeadConfig{HiddenUnits: 5, NumLabels: 3, Dropout: 0.1}
	model, err := NewClassifier(tinyEncoderConfig(tok.VocabSize()), head, rand.New(rand.NewSource(8)))
	require.NoError(t, err)

	metrics := EvalMetrics{ValLoss: 0.7, ValAccuracy: 71.5, TestAccuracy: 69, TestExamples: 100}
	ckpt := NewCheckpoint(model, tok, 8, metrics)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, ckpt.Save(path))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, metrics, loaded.Header.Metrics)
	assert.Equal(t, 8, loaded.Header.MaxLen)
	assert.Equal(t, head, loaded.Model.HeadConfig())
	assert.Equal(t, model.EncoderConfig(), loaded.Model.EncoderConfig())
	assert.Equal(t, tok.Tokens(), loaded.Tokenizer.Tokens())
	assert.Equal(t, []string{"Negative", "Neutral", "Positive"}, loaded.Header.Labels)

	batch, err := tok.EncodeBatch([]string{"hello world", "unaffable!"}, 8)
	require.NoError(t, err)
	model.Eval()
	assert.Equal(t, model.Forward(batch).Data(), loaded.Model.Forward(batch).Data())
}

func TestReadCheckpointRejectsCorruptData(t *testing.T) {
	tok := testWordPiece(t)
	model, err := NewClassifier(tinyEncoderConfig(tok.VocabSize()), HeadConfig{HiddenUnits: 4, NumLabels: 3}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewCheckpoint(model, tok, 8, EvalMetrics{}).WriteTo(&buf))
	valid := buf.Bytes()

	withHeader := func(mutate func(*CheckpointHeader)) []byte {
		h := NewCheckpoint(model, tok, 8, EvalMetrics{}).Header
		mutate(&h)
		raw, err := json.Marshal(h)
		require.NoError(t, err)
		var out bytes.Buffer
		require.NoError(t, binary.Write(&out, binary.LittleEndian, uint32(len(raw))))
		out.Write(raw)
		headerLen := binary.LittleEndian.Uint32(valid[:4])
		out.Write(valid[4+headerLen:])
		return out.Bytes()
	}

	cases := map[string][]byte{
		"empty":            nil,
		"garbage":          []byte("definitely not a checkpoint"),
		"truncated":        valid[:len(valid)-8],
		"zero header":      {0, 0, 0, 0},
		"wrong version":    withHeader(func(h *CheckpointHeader) { h.Version = "other" }),
		"label mismatch":   withHeader(func(h *CheckpointHeader) { h.Labels = h.Labels[:2] }),
		"max len":          withHeader(func(h *CheckpointHeader) { h.MaxLen = 1 }),
		"vocab size":       withHeader(func(h *CheckpointHeader) { h.Encoder.VocabSize++ }),
		"undecodable json": append([]byte{3, 0, 0, 0}, []byte("{x}")...),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCheckpoint(bytes.NewReader(data))
			assert.Equal(t, ErrCheckpointFormat, errors.Cause(err))
		})
	}

	_, err = LoadCheckpoint(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
