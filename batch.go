package main

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Batch is a slice of encoded examples plus the dataset indices they came
// from.
type Batch struct {
	Indices  []int
	Examples []EncodedExample
}

// Labels returns the class index of every example in the batch.
func (b Batch) Labels() []int {
	labels := make([]int, len(b.Examples))
	for i, ex := range b.Examples {
		labels[i] = ex.Label
	}
	return labels
}

// Batcher splits 0..n-1 into batches. Shuffled batchers draw a new
// permutation on every Epoch call; sequential ones keep the original order.
type Batcher struct {
	n         int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewBatcher validates the sizes. rng is only used when shuffle is set.
func NewBatcher(n, batchSize int, shuffle bool, rng *rand.Rand) (*Batcher, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if n < 0 {
		return nil, errors.Errorf("example count must not be negative, got %d", n)
	}
	if shuffle && rng == nil {
		return nil, errors.New("shuffled batcher needs a random source")
	}
	return &Batcher{n: n, batchSize: batchSize, shuffle: shuffle, rng: rng}, nil
}

// NumBatches is ceil(n / batchSize).
func (b *Batcher) NumBatches() int {
	return (b.n + b.batchSize - 1) / b.batchSize
}

// Epoch returns the index lists for one pass over the data.
func (b *Batcher) Epoch() [][]int {
	var order []int
	if b.shuffle {
		order = b.rng.Perm(b.n)
	} else {
		order = make([]int, b.n)
		for i := range order {
			order[i] = i
		}
	}

	batches := make([][]int, 0, b.NumBatches())
	for start := 0; start < b.n; start += b.batchSize {
		end := start + b.batchSize
		if end > b.n {
			end = b.n
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

// Batches materializes one epoch of batches over examples.
func (b *Batcher) Batches(examples []EncodedExample) []Batch {
	if len(examples) != b.n {
		panic(errors.Wrapf(ErrShapeMismatch, "batcher built for %d examples, got %d", b.n, len(examples)))
	}
	epoch := b.Epoch()
	batches := make([]Batch, len(epoch))
	for i, idx := range epoch {
		batch := Batch{Indices: idx, Examples: make([]EncodedExample, len(idx))}
		for j, k := range idx {
			batch.Examples[j] = examples[k]
		}
		batches[i] = batch
	}
	return batches
}
