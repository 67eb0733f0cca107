//go:build !cuda || !cgo

package device

import (
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// CUDAAvailable reports whether the CUDA backend is compiled in.
const CUDAAvailable = false

// openCUDA returns an error when CUDA is not compiled in.
func openCUDA(index int, _ *log.Logger) (Device, error) {
	return nil, errors.New(errors.ErrorTypeDevice, "open_device",
		"CUDA backend not available - rebuild with CGO_ENABLED=1 and build tag 'cuda'").
		WithContext("device_index", index)
}
