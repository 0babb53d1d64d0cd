//go:build !linux

package cpu

import (
	"context"
	"fmt"

	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/CristiGvl/picoCPUCtl/internal/topology"
	"github.com/sirupsen/logrus"
)

// UnsupportedReader is a fallback for unsupported platforms
type UnsupportedReader struct{}

// newPlatformReader creates a fallback CPU reader for unsupported platforms
func newPlatformReader(*sysfs.Table, topology.Info, logrus.FieldLogger) Reader {
	return &UnsupportedReader{}
}

// GetInfo returns an error for unsupported platforms
func (r *UnsupportedReader) GetInfo(ctx context.Context) (*Info, error) {
	return nil, fmt.Errorf("CPU monitoring not supported on this platform")
}

// Sample returns an error for unsupported platforms
func (r *UnsupportedReader) Sample(ctx context.Context) (*Sample, error) {
	return nil, fmt.Errorf("CPU monitoring not supported on this platform")
}

// Governor is always unknown on unsupported platforms
func (r *UnsupportedReader) Governor() string {
	return ""
}

// Boost is always unknown on unsupported platforms
func (r *UnsupportedReader) Boost() *bool {
	return nil
}
