package cpu

import (
	"context"
	"runtime"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/CristiGvl/picoCPUCtl/internal/topology"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
)

// Allowed frequency defaults in MHz
const (
	// used when a thread has no cpuinfo_min/max_freq files
	DefaultMinMHz = 400
	DefaultMaxMHz = 5000
	// used when the min file exists but cannot be read
	FallbackMinMHz = 1000
)

// Info represents CPU information
type Info struct {
	Model          string            `json:"model"`
	Cores          int               `json:"cores"`
	Threads        int               `json:"threads"`
	TopologyMethod string            `json:"topology_method"`
	MinMHz         []float64         `json:"min_mhz"`
	MaxMHz         []float64         `json:"max_mhz"`
	MaxTDPWatts    *float64          `json:"max_tdp_watts,omitempty"`
	CacheSizes     map[string]string `json:"cache_sizes"`
	TotalRAMMB     uint64            `json:"total_ram_mb"`
	Governors      []string          `json:"governors"`
	Capabilities   sysfs.Profile     `json:"capabilities"`
}

// Sample is one telemetry reading
type Sample struct {
	Time        time.Time       `json:"time"`
	SpeedsMHz   map[int]float64 `json:"speeds_mhz"`
	AverageMHz  float64         `json:"average_mhz"`
	Loads       map[int]float64 `json:"load_percent"`
	AverageLoad float64         `json:"average_load_percent"`
	PackageTemp *float64        `json:"package_temp_celsius,omitempty"`
	Throttling  bool            `json:"throttling"`
}

// Reader interface for CPU monitoring
type Reader interface {
	GetInfo(ctx context.Context) (*Info, error)
	Sample(ctx context.Context) (*Sample, error)
	Governor() string
	Boost() *bool
}

// NewReader creates a new CPU reader for the current platform
func NewReader(table *sysfs.Table, topo topology.Info, logger logrus.FieldLogger) Reader {
	return newPlatformReader(table, topo, logger)
}

// Threads returns the number of logical CPUs
func Threads(ctx context.Context) int {
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
