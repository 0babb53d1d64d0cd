package sysfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/CristiGvl/picoCPUCtl/internal/pathcache"
	"github.com/sirupsen/logrus"
)

// Locator discovers control files under SysRoot and ProcRoot
type Locator struct {
	SysRoot  string
	ProcRoot string
	Threads  int
	Cache    *pathcache.Cache
	Logger   logrus.FieldLogger
}

// NewLocator creates a locator for the running system
func NewLocator(cache *pathcache.Cache, threads int, logger logrus.FieldLogger) *Locator {
	return &Locator{
		SysRoot:  "/sys",
		ProcRoot: "/proc",
		Threads:  threads,
		Cache:    cache,
		Logger:   logger,
	}
}

// LocateAll returns the control file table, from the cache file when it is
// still valid, otherwise by scanning. It never fails: when the essential
// files cannot be found a limited fallback table is returned.
func (l *Locator) LocateAll() *Table {
	if table := l.fromCache(); table != nil {
		l.probeRuntime(table)
		return table
	}

	table := l.discover()
	if problems := table.validate(); len(problems) > 0 {
		for _, p := range problems {
			l.Logger.Warn(p)
		}
		l.Logger.Warn("Some CPU control features may not be available due to missing system files. This is common in virtualized environments like WSL.")
		l.applyFallback(table)
	} else {
		l.save(table)
	}

	l.probeRuntime(table)
	return table
}

// Rescan forgets the cache and locates everything again
func (l *Locator) Rescan() *Table {
	if err := l.Cache.Invalidate(); err != nil {
		l.Logger.Errorf("failed to remove cache file: %v", err)
	}
	return l.LocateAll()
}

func (l *Locator) fromCache() *Table {
	snap := l.Cache.Load()
	if snap == nil || len(snap.Located) == 0 {
		return nil
	}

	table := &Table{}
	if err := json.Unmarshal(snap.Located, table); err != nil {
		l.Logger.Errorf("error loading paths from cache: %v", err)
		l.invalidate()
		return nil
	}
	table.normalize()

	if problems := table.validate(); len(problems) > 0 {
		for _, p := range problems {
			l.Logger.Error(p)
		}
		l.Logger.Warn("Some essential CPU paths are missing, reinitializing...")
		l.invalidate()
		return nil
	}

	if table.PackageTempFile == "" {
		l.Logger.Info("Package temperature file is not set. This is common on some systems.")
	}
	return table
}

func (l *Locator) invalidate() {
	if err := l.Cache.Invalidate(); err != nil {
		l.Logger.Errorf("failed to remove cache file: %v", err)
		return
	}
	l.Logger.Info("Removed invalid cache file to reinitialize paths")
}

func (l *Locator) save(table *Table) {
	located, err := json.Marshal(table)
	if err != nil {
		l.Logger.Errorf("failed to marshal located paths: %v", err)
		return
	}
	snap := &pathcache.Snapshot{Directories: l.Cache.Entries(), Located: located}
	if err := l.Cache.Save(snap); err != nil {
		l.Logger.Errorf("failed to save directories and file paths: %v", err)
	}
}

func (l *Locator) applyFallback(table *Table) {
	if table.CPUDirectory == "" {
		table.CPUDirectory = filepath.Join(l.SysRoot, "devices", "system", "cpu")
	}
	if table.Proc(ProcStat) == "" {
		table.ProcFiles[ProcStat] = filepath.Join(l.ProcRoot, "stat")
	}
	table.Vendor = VendorOther
	table.Limited = true
	l.Logger.Info("Fallback configuration applied - application will run with limited functionality")
}

func (l *Locator) discover() *Table {
	table := newTable()

	dir, vendor := l.findCPUDirectory()
	if dir == "" {
		l.Logger.Warn("CPU directory not found")
		l.findProcFiles(table)
		return table
	}
	table.CPUDirectory = dir
	table.Vendor = vendor

	for thread := 0; thread < l.Threads; thread++ {
		l.findCPUFreqFiles(table, thread)
		if vendor == VendorIntel {
			l.findThreadFile(table, thread, PackageThrottleTime, "thermal_throttle", "package_throttle_total_time_ms")
			l.findThreadFile(table, thread, EnergyPerfBias, "power", "energy_perf_bias")
		}
	}
	if vendor == VendorIntel {
		l.findNoTurbo(table)
		l.findIntelTDP(table)
	}
	l.findProcFiles(table)
	table.PackageTempFile = l.findThermalFile(vendor)
	l.findCacheSizes(table)

	return table
}

// listing returns the immediate children of dir through the path cache
func (l *Locator) listing(dir string) (pathcache.Entry, bool) {
	for d := range l.Cache.Walk(dir) {
		return d.Entry, true
	}
	return pathcache.Entry{}, false
}

func (l *Locator) findCPUDirectory() (string, Vendor) {
	if dir, vendor, ok := l.classifyCPUDirectory(filepath.Join(l.SysRoot, "devices", "system", "cpu")); ok {
		return dir, vendor
	}

	for d := range l.Cache.Walk(l.SysRoot) {
		if filepath.Base(d.Path) != "cpu" {
			continue
		}
		if slices.Contains(d.Subdirs, "intel_pstate") {
			return d.Path, VendorIntel
		}
		if slices.Contains(d.Subdirs, "cpufreq") {
			return d.Path, VendorOther
		}
	}
	return "", VendorOther
}

func (l *Locator) classifyCPUDirectory(dir string) (string, Vendor, bool) {
	entry, ok := l.listing(dir)
	if !ok {
		return "", "", false
	}
	if slices.Contains(entry.Subdirs, "intel_pstate") {
		return dir, VendorIntel, true
	}
	if slices.Contains(entry.Subdirs, "cpufreq") {
		return dir, VendorOther, true
	}
	return "", "", false
}

func (l *Locator) findCPUFreqFiles(table *Table, thread int) {
	dir := filepath.Join(table.CPUDirectory, fmt.Sprintf("cpu%d", thread), "cpufreq")
	entry, _ := l.listing(dir)

	for _, f := range cpufreqFiles {
		if slices.Contains(entry.Files, f.name) {
			table.Files[f.kind][thread] = filepath.Join(dir, f.name)
			continue
		}
		// boost is commonly missing on ARM
		if f.kind == Boost {
			l.Logger.Infof("File %s for thread %d does not exist at %s", f.name, thread, dir)
		} else {
			l.Logger.Warnf("File %s for thread %d does not exist at %s", f.name, thread, dir)
		}
	}
}

func (l *Locator) findThreadFile(table *Table, thread int, kind FileKind, subdir, name string) {
	dir := filepath.Join(table.CPUDirectory, fmt.Sprintf("cpu%d", thread), subdir)
	entry, _ := l.listing(dir)
	if slices.Contains(entry.Files, name) {
		table.Files[kind][thread] = filepath.Join(dir, name)
		return
	}
	l.Logger.Warnf("File %s for thread %d does not exist at %s", name, thread, dir)
}

func (l *Locator) findNoTurbo(table *Table) {
	dir := filepath.Join(table.CPUDirectory, "intel_pstate")
	entry, _ := l.listing(dir)
	if !slices.Contains(entry.Files, "no_turbo") {
		l.Logger.Warn("Intel no_turbo file does not exist")
		return
	}
	table.IntelBoostPath = filepath.Join(dir, "no_turbo")
	table.Files[Boost][0] = table.IntelBoostPath
}

func (l *Locator) findProcFiles(table *Table) {
	for _, name := range []string{ProcStat, ProcCPUInfo, ProcMemInfo} {
		path := filepath.Join(l.ProcRoot, name)
		if _, err := os.Stat(path); err != nil {
			l.Logger.Warnf("%s file not found in %s", name, l.ProcRoot)
			continue
		}
		table.ProcFiles[name] = path
	}
}

const (
	raplPowerLimit = "constraint_0_power_limit_uw"
	raplMaxPower   = "constraint_0_max_power_uw"
)

func (l *Locator) findIntelTDP(table *Table) {
	var candidates []string
	candidates = append(candidates, filepath.Join(l.SysRoot, "class", "powercap", "intel-rapl:0"))
	for d := range l.Cache.Walk(filepath.Join(l.SysRoot, "devices", "virtual", "powercap")) {
		if filepath.Base(d.Path) == "intel-rapl:0" {
			candidates = append(candidates, d.Path)
		}
	}

	for _, dir := range candidates {
		entry, ok := l.listing(dir)
		if !ok {
			continue
		}
		if slices.Contains(entry.Files, raplPowerLimit) && slices.Contains(entry.Files, raplMaxPower) {
			table.IntelTDP = TDPFiles{
				Current: filepath.Join(dir, raplPowerLimit),
				Max:     filepath.Join(dir, raplMaxPower),
			}
			return
		}
	}
	l.Logger.Warn("Intel TDP files not found")
}

func (l *Locator) findCacheSizes(table *Table) {
	dir := filepath.Join(table.CPUDirectory, "cpu0", "cache")
	entry, ok := l.listing(dir)
	if !ok {
		return
	}

	indexes := slices.Clone(entry.Subdirs)
	sort.Strings(indexes)
	for _, index := range indexes {
		if !strings.HasPrefix(index, "index") {
			continue
		}
		level, err1 := readTrimmed(filepath.Join(dir, index, "level"))
		kind, err2 := readTrimmed(filepath.Join(dir, index, "type"))
		size, err3 := readTrimmed(filepath.Join(dir, index, "size"))
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		table.CacheSizes[level+"_"+kind] = size
	}
}

// probeRuntime fills the parts of the table that are never cached
func (l *Locator) probeRuntime(table *Table) {
	dir := filepath.Join(l.SysRoot, "kernel", "ryzen_smu_drv")
	table.RyzenSMUDir = ""
	if _, err := os.Stat(filepath.Join(dir, SMUArgs)); err == nil {
		table.RyzenSMUDir = dir
		l.Logger.Info("ryzen_smu driver detected")
	}
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
