// Package device defines the contract between the host and a nonce search
// kernel, and provides the backends that run it: a software emulator that
// executes the kernel on host goroutines, and a CUDA backend compiled in with
// the cuda build tag.
//
// A pass uploads five word buffers (tail, state, target, iv, counter),
// launches the kernel over a nonce slice with a block/grid geometry, waits for
// completion and reads back counter, tail and state. The first thread whose
// hash meets the target claims the counter and, alone, writes its digest into
// state and its nonce word into tail.
package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// Backend names accepted by Open.
const (
	BackendEmulator = "emulator"
	BackendCUDA     = "cuda"
)

// Buffer word counts of the kernel contract.
const (
	TailWords    = 16
	StateWords   = 8
	TargetWords  = 8
	IVWords      = 8
	CounterWords = 1
)

// MaxDim bounds each geometry dimension.
const MaxDim = 1 << 16

// Geometry is a launch configuration: BlockDim threads per block, GridDim
// blocks.
type Geometry struct {
	BlockDim uint32
	GridDim  uint32
}

// DefaultGeometry is used when no calibration is performed.
var DefaultGeometry = Geometry{BlockDim: 256, GridDim: 16}

// Threads returns the total number of threads of a launch.
func (g Geometry) Threads() uint64 {
	return uint64(g.BlockDim) * uint64(g.GridDim)
}

// Validate checks both dimensions are in range.
func (g Geometry) Validate() error {
	if g.BlockDim == 0 || g.GridDim == 0 {
		return errors.Newf(errors.ErrorTypeDevice, "geometry",
			"invalid geometry %s: dimensions must be positive", g)
	}
	if g.BlockDim > MaxDim || g.GridDim > MaxDim {
		return errors.Newf(errors.ErrorTypeDevice, "geometry",
			"invalid geometry %s: dimensions must not exceed %d", g, MaxDim)
	}
	return nil
}

// String formats the geometry as block x grid.
func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.BlockDim, g.GridDim)
}

// Buffer is a handle to a device allocation. Handles are only meaningful to
// the device that issued them.
type Buffer uint32

// LaunchArgs binds the kernel's buffers and the nonce slice of one pass.
type LaunchArgs struct {
	Tail    Buffer
	State   Buffer
	Target  Buffer
	IV      Buffer
	Counter Buffer
	Slice   work.NonceRange
}

// Device is a compute device able to run the search kernel. Calls are made
// from a single goroutine; Launch returns once the kernel is queued and
// Synchronize blocks until it has finished.
type Device interface {
	// Name identifies the device in logs and telemetry.
	Name() string
	// Upload allocates a buffer and copies data into it.
	Upload(data []uint32) (Buffer, error)
	// Launch queues the kernel.
	Launch(ctx context.Context, geom Geometry, args LaunchArgs) error
	// Synchronize waits for the queued kernel to finish.
	Synchronize(ctx context.Context) error
	// Download copies a buffer into dst, which must match its length.
	Download(buf Buffer, dst []uint32) error
	// Release frees a buffer.
	Release(buf Buffer) error
	// Close releases the device.
	Close() error
}

// Open selects a device by backend name and index.
//
// Parameters:
//   - backend: BackendEmulator or BackendCUDA
//   - index: Device ordinal
//   - workers: Emulator goroutine limit, 0 for one per CPU
//   - logger: Parent logger
//
// Returns:
//   - Device: The opened device
//   - error: A config error for unknown backends, a device error otherwise
func Open(backend string, index, workers int, logger *log.Logger) (Device, error) {
	switch strings.ToLower(backend) {
	case BackendEmulator:
		return NewEmulator(index, workers, logger), nil
	case BackendCUDA:
		return openCUDA(index, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "open_device",
			"unknown device backend %q", backend).
			WithContext("backend", backend)
	}
}
