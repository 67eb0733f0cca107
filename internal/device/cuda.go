//go:build cuda && cgo

package device

/*
#cgo LDFLAGS: -L${SRCDIR}/../../kernel -L/usr/local/cuda/lib64 -lpowkernel -lcudart -lstdc++
#cgo CFLAGS: -I/usr/local/cuda/include

#include <stdint.h>
#include <stdlib.h>
#include <cuda_runtime.h>

void pow_sha256d_launch(
    uint32_t        grid,
    uint32_t        block,
    uint32_t*       tail,
    uint32_t*       state,
    const uint32_t* target,
    const uint32_t* iv,
    uint32_t*       counter,
    uint32_t        nonce_start,
    uint64_t        nonce_count
);
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// CUDAAvailable reports whether the CUDA backend is compiled in.
const CUDAAvailable = true

type cudaBuffer struct {
	ptr   unsafe.Pointer
	words int
}

// CUDA runs the search kernel on an NVIDIA device through the external
// pow_sha256d_launch entry point.
type CUDA struct {
	index  int
	name   string
	logger *log.Logger

	mu      sync.Mutex
	buffers map[Buffer]cudaBuffer
	next    Buffer
}

func cudaError(op string, code C.cudaError_t) error {
	return errors.Newf(errors.ErrorTypeDevice, op, "%s: %s",
		C.GoString(C.cudaGetErrorName(code)), C.GoString(C.cudaGetErrorString(code)))
}

func openCUDA(index int, logger *log.Logger) (Device, error) {
	var count C.int
	if code := C.cudaGetDeviceCount(&count); code != C.cudaSuccess {
		return nil, cudaError("open_device", code)
	}
	if index < 0 || index >= int(count) {
		return nil, errors.Newf(errors.ErrorTypeDevice, "open_device",
			"device %d not present (%d devices)", index, int(count))
	}
	if code := C.cudaSetDevice(C.int(index)); code != C.cudaSuccess {
		return nil, cudaError("open_device", code)
	}

	var props C.struct_cudaDeviceProp
	if code := C.cudaGetDeviceProperties(&props, C.int(index)); code != C.cudaSuccess {
		return nil, cudaError("open_device", code)
	}
	name := fmt.Sprintf("cuda:%d", index)

	d := &CUDA{
		index:   index,
		name:    name,
		logger:  logger.WithComponent("device").WithDevice(name, index),
		buffers: make(map[Buffer]cudaBuffer),
	}
	d.logger.Info("CUDA device opened",
		"model", C.GoString(&props.name[0]),
		"multiprocessors", int(props.multiProcessorCount),
		"max_threads_per_block", int(props.maxThreadsPerBlock),
	)
	return d, nil
}

// Name returns the device name.
func (d *CUDA) Name() string {
	return d.name
}

// Upload allocates device memory and copies data into it.
func (d *CUDA) Upload(data []uint32) (Buffer, error) {
	if len(data) == 0 {
		return 0, errors.New(errors.ErrorTypeDevice, "upload", "empty buffer")
	}
	size := C.size_t(len(data) * 4)

	var ptr unsafe.Pointer
	if code := C.cudaMalloc(&ptr, size); code != C.cudaSuccess {
		return 0, cudaError("upload", code)
	}
	if code := C.cudaMemcpy(ptr, unsafe.Pointer(&data[0]), size, C.cudaMemcpyHostToDevice); code != C.cudaSuccess {
		C.cudaFree(ptr)
		return 0, cudaError("upload", code)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.buffers[d.next] = cudaBuffer{ptr: ptr, words: len(data)}
	return d.next, nil
}

func (d *CUDA) lookup(buf Buffer, words int) (unsafe.Pointer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeDevice, "buffer", "unknown buffer %d", buf)
	}
	if b.words != words {
		return nil, errors.Newf(errors.ErrorTypeDevice, "buffer",
			"buffer %d holds %d words, want %d", buf, b.words, words)
	}
	return b.ptr, nil
}

// Launch queues the kernel. CUDA launches are asynchronous; ctx is not
// consulted once the kernel is queued.
func (d *CUDA) Launch(_ context.Context, geom Geometry, args LaunchArgs) error {
	if err := geom.Validate(); err != nil {
		return err
	}
	if err := args.Slice.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDevice, "launch", "invalid nonce slice")
	}

	tail, err := d.lookup(args.Tail, TailWords)
	if err != nil {
		return err
	}
	state, err := d.lookup(args.State, StateWords)
	if err != nil {
		return err
	}
	target, err := d.lookup(args.Target, TargetWords)
	if err != nil {
		return err
	}
	iv, err := d.lookup(args.IV, IVWords)
	if err != nil {
		return err
	}
	counter, err := d.lookup(args.Counter, CounterWords)
	if err != nil {
		return err
	}

	C.pow_sha256d_launch(
		C.uint32_t(geom.GridDim),
		C.uint32_t(geom.BlockDim),
		(*C.uint32_t)(tail),
		(*C.uint32_t)(state),
		(*C.uint32_t)(target),
		(*C.uint32_t)(iv),
		(*C.uint32_t)(counter),
		C.uint32_t(args.Slice.Start),
		C.uint64_t(args.Slice.Count),
	)
	if code := C.cudaGetLastError(); code != C.cudaSuccess {
		return cudaError("launch", code)
	}
	return nil
}

// Synchronize blocks until the device is idle.
func (d *CUDA) Synchronize(_ context.Context) error {
	if code := C.cudaDeviceSynchronize(); code != C.cudaSuccess {
		return cudaError("synchronize", code)
	}
	return nil
}

// Download copies device memory into dst.
func (d *CUDA) Download(buf Buffer, dst []uint32) error {
	ptr, err := d.lookup(buf, len(dst))
	if err != nil {
		return err
	}
	size := C.size_t(len(dst) * 4)
	if code := C.cudaMemcpy(unsafe.Pointer(&dst[0]), ptr, size, C.cudaMemcpyDeviceToHost); code != C.cudaSuccess {
		return cudaError("download", code)
	}
	return nil
}

// Release frees device memory.
func (d *CUDA) Release(buf Buffer) error {
	d.mu.Lock()
	b, ok := d.buffers[buf]
	delete(d.buffers, buf)
	d.mu.Unlock()

	if !ok {
		return errors.Newf(errors.ErrorTypeDevice, "release", "unknown buffer %d", buf)
	}
	if code := C.cudaFree(b.ptr); code != C.cudaSuccess {
		return cudaError("release", code)
	}
	return nil
}

// Close frees remaining buffers and resets the device.
func (d *CUDA) Close() error {
	d.mu.Lock()
	for buf, b := range d.buffers {
		C.cudaFree(b.ptr)
		delete(d.buffers, buf)
	}
	d.mu.Unlock()

	if code := C.cudaDeviceReset(); code != C.cudaSuccess {
		return cudaError("close", code)
	}
	d.logger.Info("CUDA device closed")
	return nil
}

var _ Device = (*CUDA)(nil)
