package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// cancelCheckInterval is how many trials a thread runs between context checks.
const cancelCheckInterval = 1 << 14

// Emulator runs the search kernel on host goroutines. Each block of the grid
// is one task on an errgroup limited to the worker count; the threads of a
// block run in turn inside it, each covering the nonces
// Start + t + k*Threads of the slice.
type Emulator struct {
	name    string
	workers int
	logger  *log.Logger

	mu      sync.Mutex
	buffers map[Buffer][]uint32
	next    Buffer
	pending chan error
	closed  bool
}

// NewEmulator creates an emulated device. workers <= 0 means one per CPU.
func NewEmulator(index, workers int, logger *log.Logger) *Emulator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	name := fmt.Sprintf("emulator:%d", index)

	e := &Emulator{
		name:    name,
		workers: workers,
		logger:  logger.WithComponent("device").WithDevice(name, index),
		buffers: make(map[Buffer][]uint32),
	}
	e.logger.Info("emulated device opened", "workers", workers)
	return e
}

// Name returns the device name.
func (e *Emulator) Name() string {
	return e.name
}

// Upload allocates a buffer holding a copy of data.
func (e *Emulator) Upload(data []uint32) (Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, errors.New(errors.ErrorTypeDevice, "upload", "device is closed")
	}
	if len(data) == 0 {
		return 0, errors.New(errors.ErrorTypeDevice, "upload", "empty buffer")
	}

	e.next++
	e.buffers[e.next] = append([]uint32(nil), data...)
	return e.next, nil
}

// Download copies a buffer into dst.
func (e *Emulator) Download(buf Buffer, dst []uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	src, err := e.lookup(buf, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Release frees a buffer.
func (e *Emulator) Release(buf Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.buffers[buf]; !ok {
		return errors.Newf(errors.ErrorTypeDevice, "release", "unknown buffer %d", buf)
	}
	delete(e.buffers, buf)
	return nil
}

// lookup returns the buffer's backing words. Callers hold e.mu.
func (e *Emulator) lookup(buf Buffer, words int) ([]uint32, error) {
	data, ok := e.buffers[buf]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeDevice, "buffer", "unknown buffer %d", buf)
	}
	if len(data) != words {
		return nil, errors.Newf(errors.ErrorTypeDevice, "buffer",
			"buffer %d holds %d words, want %d", buf, len(data), words)
	}
	return data, nil
}

// kernelArgs is the launch-time view of the buffers. The inputs are copied
// when the kernel is queued; tail, state and counter alias device memory.
type kernelArgs struct {
	tail    bitcoin.Block
	mid     bitcoin.State
	target  [TargetWords]uint32
	iv      bitcoin.State
	slice   work.NonceRange
	threads uint64

	tailOut  []uint32
	stateOut []uint32
	counter  *uint32
}

// Launch queues the kernel on a background goroutine. Unlike a real device,
// the emulated grid stops early when ctx is cancelled; the kernel contract
// itself always runs a launched pass to completion.
func (e *Emulator) Launch(ctx context.Context, geom Geometry, args LaunchArgs) error {
	if err := geom.Validate(); err != nil {
		return err
	}
	if err := args.Slice.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDevice, "launch", "invalid nonce slice")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New(errors.ErrorTypeDevice, "launch", "device is closed")
	}
	if e.pending != nil {
		return errors.New(errors.ErrorTypeDevice, "launch", "a kernel is already running")
	}

	k, err := e.bind(args)
	if err != nil {
		return err
	}
	k.threads = geom.Threads()

	done := make(chan error, 1)
	e.pending = done
	go func() {
		done <- e.run(ctx, geom, k)
	}()

	e.logger.Debug("kernel launched",
		"geometry", geom.String(),
		"slice", args.Slice.String(),
	)
	return nil
}

func (e *Emulator) bind(args LaunchArgs) (*kernelArgs, error) {
	tail, err := e.lookup(args.Tail, TailWords)
	if err != nil {
		return nil, err
	}
	state, err := e.lookup(args.State, StateWords)
	if err != nil {
		return nil, err
	}
	target, err := e.lookup(args.Target, TargetWords)
	if err != nil {
		return nil, err
	}
	iv, err := e.lookup(args.IV, IVWords)
	if err != nil {
		return nil, err
	}
	counter, err := e.lookup(args.Counter, CounterWords)
	if err != nil {
		return nil, err
	}

	k := &kernelArgs{
		slice:    args.Slice,
		tailOut:  tail,
		stateOut: state,
		counter:  &counter[0],
	}
	copy(k.tail[:], tail)
	copy(k.mid[:], state)
	copy(k.target[:], target)
	copy(k.iv[:], iv)
	return k, nil
}

func (e *Emulator) run(ctx context.Context, geom Geometry, k *kernelArgs) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for block := range geom.GridDim {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			first := uint64(block) * uint64(geom.BlockDim)
			for t := range uint64(geom.BlockDim) {
				if err := k.thread(gctx, first+t); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// thread runs one logical kernel thread.
func (k *kernelArgs) thread(ctx context.Context, t uint64) error {
	tail := k.tail
	var trials uint64

	for offset := t; offset < k.slice.Count; offset += k.threads {
		if atomic.LoadUint32(k.counter) != 0 {
			return nil
		}
		trials++
		if trials%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		bitcoin.SetTailNonce(&tail, k.slice.Nonce(offset))
		digest := bitcoin.Compress(k.iv, bitcoin.DigestBlock(bitcoin.Compress(k.mid, tail)))
		if !bitcoin.DigestMeetsTarget(digest, k.target) {
			continue
		}

		if atomic.CompareAndSwapUint32(k.counter, 0, 1) {
			copy(k.stateOut, digest[:])
			k.tailOut[3] = tail[3]
		}
		return nil
	}
	return nil
}

// Synchronize blocks until the running kernel finishes. The emulator stops
// early when ctx is cancelled, in which case the context error is returned.
func (e *Emulator) Synchronize(ctx context.Context) error {
	e.mu.Lock()
	done := e.pending
	e.mu.Unlock()

	if done == nil {
		return nil
	}
	err := <-done

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrap(err, errors.ErrorTypeDevice, "synchronize", "kernel failed")
	}
	return nil
}

// Close waits for any running kernel and frees all buffers.
func (e *Emulator) Close() error {
	e.mu.Lock()
	done := e.pending
	e.closed = true
	e.mu.Unlock()

	if done != nil {
		<-done
	}

	e.mu.Lock()
	e.pending = nil
	leaked := len(e.buffers)
	e.buffers = make(map[Buffer][]uint32)
	e.mu.Unlock()

	if leaked > 0 {
		e.logger.Warn("device closed with live buffers", "buffers", leaked)
	}
	e.logger.Info("emulated device closed")
	return nil
}

var _ Device = (*Emulator)(nil)
