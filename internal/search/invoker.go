// Package search drives the device through search passes: it lays out the
// kernel buffers for a job, runs passes until a verified solution is found,
// keeps the running throughput and sweeps launch geometries for the fastest.
package search

import (
	"context"
	"time"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/internal/device"
	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// Invoker runs a single pass of the kernel on a device.
type Invoker struct {
	device device.Device
	logger *log.Logger
}

// NewInvoker creates an invoker for dev.
func NewInvoker(dev device.Device, logger *log.Logger) *Invoker {
	return &Invoker{
		device: dev,
		logger: logger.WithComponent("invoker"),
	}
}

// Device returns the device passes run on.
func (inv *Invoker) Device() device.Device {
	return inv.device
}

// Invoke uploads the job's buffers, launches the kernel over slice with geom,
// waits for it and reads back the result. Buffers are allocated per pass and
// released on every path.
//
// Parameters:
//   - ctx: Context passed to the device
//   - job: The job to search
//   - geom: Launch geometry
//   - slice: Nonce slice of this pass
//
// Returns:
//   - work.PassOutput: Counter, tail and state as left by the kernel
//   - time.Duration: Time spent in launch and synchronize
//   - error: A device error, or the context error if ctx ended the pass
func (inv *Invoker) Invoke(ctx context.Context, job *work.Job, geom device.Geometry, slice work.NonceRange) (out work.PassOutput, elapsed time.Duration, err error) {
	if err := geom.Validate(); err != nil {
		return out, 0, err
	}
	if err := slice.Validate(); err != nil {
		return out, 0, err
	}

	tail := job.Tail
	bitcoin.SetTailNonce(&tail, 0)
	target := job.Target.DeviceWords()
	iv := bitcoin.InitialState
	counter := []uint32{0}

	var buffers []device.Buffer
	defer func() {
		for _, buf := range buffers {
			if releaseErr := inv.device.Release(buf); releaseErr != nil {
				inv.logger.Error("failed to release device buffer", "buffer", buf, "error", releaseErr)
				if err == nil {
					err = inv.wrap(releaseErr, "release", geom)
				}
			}
		}
	}()

	upload := func(data []uint32) (device.Buffer, error) {
		buf, err := inv.device.Upload(data)
		if err != nil {
			return 0, inv.wrap(err, "upload", geom)
		}
		buffers = append(buffers, buf)
		return buf, nil
	}

	args := device.LaunchArgs{Slice: slice}
	if args.Tail, err = upload(tail[:]); err != nil {
		return out, 0, err
	}
	if args.State, err = upload(job.Midstate[:]); err != nil {
		return out, 0, err
	}
	if args.Target, err = upload(target[:]); err != nil {
		return out, 0, err
	}
	if args.IV, err = upload(iv[:]); err != nil {
		return out, 0, err
	}
	if args.Counter, err = upload(counter); err != nil {
		return out, 0, err
	}

	start := time.Now()
	if err := inv.device.Launch(ctx, geom, args); err != nil {
		return out, 0, inv.wrap(err, "launch", geom)
	}
	if err := inv.device.Synchronize(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, time.Since(start), ctxErr
		}
		return out, 0, inv.wrap(err, "synchronize", geom)
	}
	elapsed = time.Since(start)

	if err := inv.device.Download(args.Counter, counter); err != nil {
		return out, elapsed, inv.wrap(err, "download", geom)
	}
	if err := inv.device.Download(args.Tail, out.Tail[:]); err != nil {
		return out, elapsed, inv.wrap(err, "download", geom)
	}
	if err := inv.device.Download(args.State, out.State[:]); err != nil {
		return out, elapsed, inv.wrap(err, "download", geom)
	}
	out.Counter = counter[0]

	inv.logger.Debug("pass completed",
		"geometry", geom.String(),
		"slice", slice.String(),
		"found", out.Found(),
		"elapsed", elapsed,
	)
	return out, elapsed, nil
}

func (inv *Invoker) wrap(err error, stage string, geom device.Geometry) error {
	return errors.Wrap(err, errors.ErrorTypeDevice, "invoke", "device "+stage+" failed").
		WithContext("device", inv.device.Name()).
		WithContext("geometry", geom.String())
}
