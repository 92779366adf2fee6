//go:build linux

package reader

import (
	"log/slog"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// NewHostCPUReader picks the platform-appropriate CPU reader, letting
// callers outside this package (cmd/all-smi) stay build-tag-free.
func NewHostCPUReader(logger *slog.Logger) (types.CPUReader, error) {
	return NewLinuxCPUReader(logger)
}

// NewHostMemoryReader picks the platform-appropriate memory reader.
func NewHostMemoryReader(logger *slog.Logger) (types.MemoryReader, error) {
	return NewLinuxMemoryReader(logger)
}
