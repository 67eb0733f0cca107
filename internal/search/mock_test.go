package search

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/internal/device"
	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/log"
)

const genesisNonce = 2083236893

// genesisSlice holds the genesis nonce.
var genesisSlice = work.NonceRange{Start: genesisNonce - 3, Count: 8}

// emptySlice holds no genesis solution.
var emptySlice = work.NonceRange{Start: 0, Count: 256}

func genesisJob(t testing.TB) *work.Job {
	t.Helper()
	job, err := work.NewJob(bitcoin.HeaderFromWire(&chaincfg.MainNetParams.GenesisBlock.Header))
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// faultyDevice wraps the emulator with injectable failures and buffer
// accounting.
type faultyDevice struct {
	*device.Emulator

	failLaunch  func(device.Geometry) bool
	failSync    bool
	failRelease bool
	forgeClaim  bool

	mu       sync.Mutex
	uploads  int
	releases int
	launches int
	counter  device.Buffer
}

func newFaultyDevice() *faultyDevice {
	return &faultyDevice{Emulator: device.NewEmulator(0, 2, log.Discard())}
}

func (d *faultyDevice) Upload(data []uint32) (device.Buffer, error) {
	buf, err := d.Emulator.Upload(data)
	if err == nil {
		d.mu.Lock()
		d.uploads++
		d.mu.Unlock()
	}
	return buf, err
}

func (d *faultyDevice) Release(buf device.Buffer) error {
	d.mu.Lock()
	d.releases++
	d.mu.Unlock()
	if err := d.Emulator.Release(buf); err != nil {
		return err
	}
	if d.failRelease {
		return fmt.Errorf("release failed")
	}
	return nil
}

func (d *faultyDevice) Launch(ctx context.Context, geom device.Geometry, args device.LaunchArgs) error {
	d.mu.Lock()
	d.launches++
	d.counter = args.Counter
	d.mu.Unlock()
	if d.failLaunch != nil && d.failLaunch(geom) {
		return fmt.Errorf("launch failed for %s", geom)
	}
	return d.Emulator.Launch(ctx, geom, args)
}

func (d *faultyDevice) Synchronize(ctx context.Context) error {
	if err := d.Emulator.Synchronize(ctx); err != nil {
		return err
	}
	if d.failSync {
		return fmt.Errorf("illegal address")
	}
	return nil
}

// Download reports a claim on the counter when forgeClaim is set, leaving
// tail and state as the kernel wrote them.
func (d *faultyDevice) Download(buf device.Buffer, dst []uint32) error {
	if err := d.Emulator.Download(buf, dst); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.forgeClaim && buf == d.counter {
		dst[0] = 1
	}
	return nil
}

func (d *faultyDevice) balanced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads == d.releases
}

// recordingReporter keeps every report.
type recordingReporter struct {
	mu     sync.Mutex
	passes []PassReport
	solved []Result
}

func (r *recordingReporter) PassCompleted(_ context.Context, report PassReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, report)
}

func (r *recordingReporter) Solved(_ context.Context, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solved = append(r.solved, result)
}

// scriptedRefresher returns a new header on the given call.
type scriptedRefresher struct {
	calls    int
	onCall   int
	header   bitcoin.Header
	err      error
	received []bitcoin.Header
}

func (r *scriptedRefresher) Refresh(_ context.Context, current bitcoin.Header) (bitcoin.Header, bool, error) {
	r.calls++
	r.received = append(r.received, current)
	if r.err != nil {
		return current, false, r.err
	}
	if r.calls == r.onCall {
		return r.header, true, nil
	}
	return current, false, nil
}
