package memory

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
)

const mb = 1024 * 1024

// Info represents memory information
type Info struct {
	Total     uint64  `json:"total_mb"`
	Used      uint64  `json:"used_mb"`
	Available uint64  `json:"available_mb"`
	Usage     float64 `json:"usage_percent"`
	SwapTotal uint64  `json:"swap_total_mb"`
	SwapUsed  uint64  `json:"swap_used_mb"`
	SwapUsage float64 `json:"swap_usage_percent"`
}

// Reader reads memory usage through gopsutil
type Reader struct {
	virtual func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	swap    func(ctx context.Context) (*mem.SwapMemoryStat, error)
}

// NewReader creates a new memory reader
func NewReader() *Reader {
	return &Reader{
		virtual: mem.VirtualMemoryWithContext,
		swap:    mem.SwapMemoryWithContext,
	}
}

// GetInfo returns memory information. Swap is reported as zero when it
// cannot be read.
func (r *Reader) GetInfo(ctx context.Context) (*Info, error) {
	vm, err := r.virtual(ctx)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Total:     vm.Total / mb,
		Used:      vm.Used / mb,
		Available: vm.Available / mb,
		Usage:     vm.UsedPercent,
	}

	if sw, err := r.swap(ctx); err == nil {
		info.SwapTotal = sw.Total / mb
		info.SwapUsed = sw.Used / mb
		info.SwapUsage = sw.UsedPercent
	}
	return info, nil
}
