package main

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherCoversEveryIndex(t *testing.T) {
	b, err := NewBatcher(10, 4, true, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 3, b.NumBatches())

	epoch := b.Epoch()
	require.Len(t, epoch, 3)
	assert.Len(t, epoch[2], 2)

	var seen []int
	for _, batch := range epoch {
		seen = append(seen, batch...)
	}
	sort.Ints(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestBatcherSequential(t *testing.T) {
	b, err := NewBatcher(5, 2, false, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, b.Epoch())

	examples := make([]EncodedExample, 5)
	for i := range examples {
		examples[i] = EncodedExample{Label: i % 3}
	}
	batches := b.Batches(examples)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{2, 0}, batches[1].Labels())
}

func TestBatcherShufflesEachEpoch(t *testing.T) {
	b, err := NewBatcher(50, 50, true, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.NotEqual(t, b.Epoch(), b.Epoch())
}

func TestBatcherValidation(t *testing.T) {
	_, err := NewBatcher(5, 0, false, nil)
	assert.Error(t, err)
	_, err = NewBatcher(-1, 2, false, nil)
	assert.Error(t, err)
	_, err = NewBatcher(5, 2, true, nil)
	assert.Error(t, err)

	empty, err := NewBatcher(0, 2, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.NumBatches())
	assert.Empty(t, empty.Epoch())
}
