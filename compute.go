package main

import (
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnknownDevice is returned for an execution target name we don't support.
var ErrUnknownDevice = errors.New("unknown device")

// Device names accepted on the command line and in YAML configs.
const (
	DeviceCPU         = "cpu"
	DeviceCPUParallel = "cpu-parallel"
)

// ComputeConfig controls how matrix products are executed.
//
// It is chosen once at startup from the --device flag and then passed, or
// installed process-wide, before any model is built.
type ComputeConfig struct {
	// Device is the name the config was resolved from.
	Device string

	// Parallel splits output rows of large products across goroutines.
	Parallel bool

	// NumWorkers is the worker count when Parallel is set. 0 means
	// runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the smallest row and column count that is worth
	// the goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig is single threaded, which keeps runs reproducible.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{Device: DeviceCPU}
}

// ParallelComputeConfig uses all available CPUs for large products.
func ParallelComputeConfig() ComputeConfig {
	return ComputeConfig{
		Device:             DeviceCPUParallel,
		Parallel:           true,
		MinSizeForParallel: 64,
	}
}

// ParseDevice resolves an execution target name. An empty name selects the
// default.
func ParseDevice(name string) (ComputeConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DeviceCPU:
		return DefaultComputeConfig(), nil
	case DeviceCPUParallel:
		return ParallelComputeConfig(), nil
	default:
		return ComputeConfig{}, errors.Wrapf(ErrUnknownDevice, "%q (want %s or %s)", name, DeviceCPU, DeviceCPUParallel)
	}
}

// acceleratorDevices are accepted but not available in this build.
var acceleratorDevices = map[string]bool{
	"cuda":  true,
	"gpu":   true,
	"metal": true,
	"mps":   true,
}

// resolveDevice is ParseDevice with a CPU fallback for accelerator names.
func resolveDevice(name string, logger *zap.Logger) (ComputeConfig, error) {
	if acceleratorDevices[strings.ToLower(strings.TrimSpace(name))] {
		logger.Warn("accelerator not available, falling back to cpu", zap.String("device", name))
		return DefaultComputeConfig(), nil
	}
	return ParseDevice(name)
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(rows, cols int) bool {
	return c.Parallel && c.numWorkers() > 1 && rows >= c.MinSizeForParallel && cols >= c.MinSizeForParallel
}

var (
	computeMu     sync.RWMutex
	globalCompute = DefaultComputeConfig()
)

// SetComputeConfig installs the process-wide execution target. Call it once
// at startup, before models run.
func SetComputeConfig(cfg ComputeConfig) {
	computeMu.Lock()
	defer computeMu.Unlock()
	globalCompute = cfg
}

func computeConfig() ComputeConfig {
	computeMu.RLock()
	defer computeMu.RUnlock()
	return globalCompute
}

// MatMulWithConfig computes A @ B for A (M, K) and B (K, N).
//
// In parallel mode output rows are split into contiguous blocks, one per
// worker, so workers never write to the same row.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(errors.Wrapf(ErrInvalidShape, "MatMul requires 2D tensors, got %v and %v", a.shape, b.shape))
	}
	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		panic(errors.Wrapf(ErrShapeMismatch, "MatMul %v @ %v", a.shape, b.shape))
	}
	n := b.shape[1]
	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m, n) {
		matmulRows(a, b, out, 0, m)
		return out
	}

	workers := cfg.numWorkers()
	rowsPerWorker := (m + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < m; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end)
		}(start, end)
	}
	wg.Wait()
	return out
}

// matmulRows fills rows [start, end) of out. The i-k-j loop order walks B
// and out row by row.
func matmulRows(a, b, out *Tensor, start, end int) {
	k := a.shape[1]
	n := b.shape[1]
	for i := start; i < end; i++ {
		outRow := out.data[i*n : (i+1)*n]
		for kk, av := range a.data[i*k : (i+1)*k] {
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				outRow[j] += av * bv
			}
		}
	}
}
