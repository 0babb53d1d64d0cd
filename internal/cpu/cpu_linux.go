//go:build linux

package cpu

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/CristiGvl/picoCPUCtl/internal/topology"
	"github.com/sirupsen/logrus"
)

// LinuxReader reads CPU telemetry from the located sysfs and procfs files
type LinuxReader struct {
	table  *sysfs.Table
	topo   topology.Info
	logger logrus.FieldLogger

	mu           sync.Mutex
	prevStat     map[string]cpuTimes
	prevThrottle map[int]int64
}

// newPlatformReader creates a new Linux CPU reader
func newPlatformReader(table *sysfs.Table, topo topology.Info, logger logrus.FieldLogger) Reader {
	return &LinuxReader{
		table:        table,
		topo:         topo,
		logger:       logger,
		prevThrottle: make(map[int]int64),
	}
}

// GetInfo returns CPU information
func (r *LinuxReader) GetInfo(ctx context.Context) (*Info, error) {
	minMHz, maxMHz := r.AllowedFrequencies()

	info := &Info{
		Model:          r.topo.ModelName,
		Cores:          r.topo.PhysicalCores,
		Threads:        r.topo.VirtualThreads,
		TopologyMethod: r.topo.Method,
		MinMHz:         minMHz,
		MaxMHz:         maxMHz,
		MaxTDPWatts:    r.maxTDP(),
		CacheSizes:     r.table.CacheSizes,
		TotalRAMMB:     r.totalRAM(),
		Governors:      r.availableGovernors(),
		Capabilities:   r.table.Profile(),
	}
	return info, nil
}

// Sample reads the live per-thread values once. Governor and boost are
// read separately since they change only through control actions.
func (r *LinuxReader) Sample(ctx context.Context) (*Sample, error) {
	s := &Sample{Time: time.Now()}

	s.SpeedsMHz = r.speeds()
	if len(s.SpeedsMHz) > 0 {
		var sum float64
		for _, v := range s.SpeedsMHz {
			sum += v
		}
		s.AverageMHz = sum / float64(len(s.SpeedsMHz))
	}

	loads, avg, err := r.loads()
	if err != nil {
		r.logger.Errorf("Error updating CPU load: %v", err)
	}
	s.Loads = loads
	s.AverageLoad = avg

	s.PackageTemp = r.packageTemperature()
	s.Throttling = r.throttling()
	return s, nil
}

// AllowedFrequencies returns the hardware min and max per thread in MHz
func (r *LinuxReader) AllowedFrequencies() ([]float64, []float64) {
	threads := r.topo.VirtualThreads
	minMHz := make([]float64, threads)
	maxMHz := make([]float64, threads)

	for i := 0; i < threads; i++ {
		minFile := r.table.Path(sysfs.CPUInfoMinFreq, i)
		maxFile := r.table.Path(sysfs.CPUInfoMaxFreq, i)
		if minFile == "" || maxFile == "" {
			minMHz[i], maxMHz[i] = DefaultMinMHz, DefaultMaxMHz
			continue
		}

		if khz, err := readInt(minFile); err == nil {
			minMHz[i] = float64(khz) / 1000
		} else {
			r.logger.Warnf("Error reading min frequency for thread %d: %v", i, err)
			minMHz[i] = FallbackMinMHz
		}
		if khz, err := readInt(maxFile); err == nil {
			maxMHz[i] = float64(khz) / 1000
		} else {
			r.logger.Warnf("Error reading max frequency for thread %d: %v", i, err)
			maxMHz[i] = DefaultMaxMHz
		}
	}
	return minMHz, maxMHz
}

// maxTDP reads the RAPL maximum in watts; nil off Intel
func (r *LinuxReader) maxTDP() *float64 {
	if r.table.Vendor != sysfs.VendorIntel || r.table.IntelTDP.Max == "" {
		r.logger.Info("Intel Max TDP file not found. This is expected on non-Intel systems.")
		return nil
	}
	uw, err := readInt(r.table.IntelTDP.Max)
	if err != nil {
		r.logger.Errorf("Error reading TDP values: %v", err)
		return nil
	}
	w := float64(uw) / 1_000_000
	return &w
}

func (r *LinuxReader) totalRAM() uint64 {
	path := r.table.Proc(sysfs.ProcMemInfo)
	if path == "" {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		r.logger.Errorf("Error reading meminfo file: %v", err)
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}

func (r *LinuxReader) availableGovernors() []string {
	seen := make(map[string]bool)
	for _, path := range r.table.Paths(sysfs.AvailableGovernors) {
		content, err := readString(path)
		if err != nil {
			r.logger.Errorf("Error reading available governors from %s: %v", path, err)
			continue
		}
		for _, g := range strings.Fields(content) {
			seen[g] = true
		}
	}

	governors := make([]string, 0, len(seen))
	for g := range seen {
		governors = append(governors, g)
	}
	sort.Strings(governors)
	return governors
}

func (r *LinuxReader) speeds() map[int]float64 {
	speeds := make(map[int]float64)
	for _, thread := range r.table.Threads(sysfs.ScalingCurFreq) {
		khz, err := readInt(r.table.Path(sysfs.ScalingCurFreq, thread))
		if err != nil {
			continue
		}
		speeds[thread] = float64(khz) / 1000
	}
	return speeds
}

type cpuTimes struct {
	user, nice, system, idle uint64
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle
}

func (r *LinuxReader) readStat() (map[string]cpuTimes, error) {
	path := r.table.Proc(sysfs.ProcStat)
	if path == "" {
		return nil, fmt.Errorf("stat file not found")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stats := make(map[string]cpuTimes)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		var v [4]uint64
		ok := true
		for i := range v {
			if v[i], err = strconv.ParseUint(fields[i+1], 10, 64); err != nil {
				ok = false
				break
			}
		}
		if ok {
			stats[fields[0]] = cpuTimes{user: v[0], nice: v[1], system: v[2], idle: v[3]}
		}
	}
	return stats, scanner.Err()
}

// loads returns per-thread busy percentages since the previous call. The
// first call only records the baseline.
func (r *LinuxReader) loads() (map[int]float64, float64, error) {
	curr, err := r.readStat()
	if err != nil {
		return map[int]float64{}, 0, err
	}

	r.mu.Lock()
	prev := r.prevStat
	r.prevStat = curr
	r.mu.Unlock()

	loads := make(map[int]float64)
	var sum float64
	for name, c := range curr {
		if name == "cpu" {
			continue
		}
		thread, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
		if err != nil {
			continue
		}
		p, ok := prev[name]
		if !ok {
			continue
		}
		loads[thread] = busyPercent(p, c)
		sum += loads[thread]
	}

	if len(loads) == 0 {
		return loads, 0, nil
	}
	return loads, sum / float64(len(loads)), nil
}

func busyPercent(prev, curr cpuTimes) float64 {
	if curr.total() <= prev.total() {
		return 0
	}
	totalDiff := float64(curr.total() - prev.total())
	idleDiff := float64(curr.idle) - float64(prev.idle)
	return 100 * (totalDiff - idleDiff) / totalDiff
}

// Governor reads the governor of thread 0
func (r *LinuxReader) Governor() string {
	path := r.table.Path(sysfs.Governor, 0)
	if path == "" {
		return ""
	}
	g, err := readString(path)
	if err != nil {
		r.logger.Error("Governor file path not found or could not read the governor for thread 0")
		return ""
	}
	return g
}

// Boost reads the current boost state; nil when there is no boost file
func (r *LinuxReader) Boost() *bool {
	path := r.table.IntelBoostPath
	if r.table.Vendor != sysfs.VendorIntel || path == "" {
		paths := r.table.Paths(sysfs.Boost)
		if len(paths) == 0 {
			return nil
		}
		path = paths[0]
	}

	content, err := readString(path)
	if err != nil {
		r.logger.Infof("Boost file not accessible at %s: %v", path, err)
		return nil
	}
	enabled, ok := command.ParseBoost(r.table.Vendor, content)
	if !ok {
		r.logger.Errorf("Unexpected content in boost file at %s: %s", path, content)
	}
	return &enabled
}

func (r *LinuxReader) packageTemperature() *float64 {
	if r.table.PackageTempFile == "" {
		return nil
	}
	raw, err := readString(r.table.PackageTempFile)
	if err != nil {
		return nil
	}
	milli, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		r.logger.Error("Temperature reading is not a valid number.")
		return nil
	}
	c := float64(milli) / 1000
	return &c
}

// throttling reports whether any thread's package throttle time grew
// since the previous call
func (r *LinuxReader) throttling() bool {
	if r.table.Vendor != sysfs.VendorIntel {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	throttling := false
	for _, thread := range r.table.Threads(sysfs.PackageThrottleTime) {
		ms, err := readInt(r.table.Path(sysfs.PackageThrottleTime, thread))
		if err != nil {
			continue
		}
		if prev, ok := r.prevThrottle[thread]; ok && ms > prev {
			throttling = true
		}
		r.prevThrottle[thread] = ms
	}
	return throttling
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}
