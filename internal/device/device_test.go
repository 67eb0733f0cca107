package device

import (
	"testing"

	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

func TestGeometry(t *testing.T) {
	tests := []struct {
		name        string
		geom        Geometry
		wantThreads uint64
		wantErr     bool
	}{
		{"default", DefaultGeometry, 4096, false},
		{"single thread", Geometry{BlockDim: 1, GridDim: 1}, 1, false},
		{"largest", Geometry{BlockDim: MaxDim, GridDim: MaxDim}, 1 << 32, false},
		{"zero block", Geometry{BlockDim: 0, GridDim: 16}, 0, true},
		{"zero grid", Geometry{BlockDim: 256, GridDim: 0}, 0, true},
		{"block too large", Geometry{BlockDim: MaxDim + 1, GridDim: 1}, MaxDim + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.geom.Threads(); got != tt.wantThreads {
				t.Errorf("Threads() = %d, want %d", got, tt.wantThreads)
			}
			err := tt.geom.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsType(err, errors.ErrorTypeDevice) {
				t.Errorf("Validate() error type = %v, want device", err)
			}
		})
	}

	if got := DefaultGeometry.String(); got != "256x16" {
		t.Errorf("String() = %q, want 256x16", got)
	}
}

func TestOpen(t *testing.T) {
	logger := log.Discard()

	t.Run("emulator", func(t *testing.T) {
		dev, err := Open("emulator", 0, 2, logger)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer dev.Close()
		if dev.Name() != "emulator:0" {
			t.Errorf("Name() = %q", dev.Name())
		}
	})

	t.Run("backend name is case insensitive", func(t *testing.T) {
		dev, err := Open("Emulator", 1, 0, logger)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		_ = dev.Close()
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open("opencl", 0, 0, logger)
		if !errors.IsType(err, errors.ErrorTypeConfig) {
			t.Errorf("Open() error = %v, want config error", err)
		}
	})

	t.Run("cuda", func(t *testing.T) {
		if CUDAAvailable {
			t.Skip("built with CUDA; device presence depends on the host")
		}
		_, err := Open("cuda", 0, 0, logger)
		if !errors.IsType(err, errors.ErrorTypeDevice) {
			t.Errorf("Open() error = %v, want device error", err)
		}
	})
}
