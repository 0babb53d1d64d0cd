// Package sysfs locates the kernel files used to read and control the CPU:
// cpufreq, intel_pstate, RAPL, ryzen_smu, thermal zones and hwmon sensors.
package sysfs

import (
	"os"
	"path/filepath"
	"sort"
)

// Vendor distinguishes Intel's control surface from everyone else's
type Vendor string

const (
	VendorIntel Vendor = "Intel"
	VendorOther Vendor = "Other"
)

// FileKind names one per-thread control file
type FileKind string

const (
	Governor            FileKind = "governor"
	ScalingCurFreq      FileKind = "speed"
	ScalingMaxFreq      FileKind = "scaling_max"
	ScalingMinFreq      FileKind = "scaling_min"
	CPUInfoMaxFreq      FileKind = "cpuinfo_max"
	CPUInfoMinFreq      FileKind = "cpuinfo_min"
	AvailableGovernors  FileKind = "available_governors"
	Boost               FileKind = "boost"
	PackageThrottleTime FileKind = "package_throttle_time"
	EnergyPerfBias      FileKind = "epb"
)

// cpufreqFiles maps the kinds found under cpuN/cpufreq to their file names
var cpufreqFiles = []struct {
	kind FileKind
	name string
}{
	{Governor, "scaling_governor"},
	{ScalingCurFreq, "scaling_cur_freq"},
	{ScalingMaxFreq, "scaling_max_freq"},
	{ScalingMinFreq, "scaling_min_freq"},
	{CPUInfoMaxFreq, "cpuinfo_max_freq"},
	{CPUInfoMinFreq, "cpuinfo_min_freq"},
	{AvailableGovernors, "scaling_available_governors"},
	{Boost, "boost"},
}

// AllKinds lists every per-thread kind the locator fills
var AllKinds = []FileKind{
	Governor, ScalingCurFreq, ScalingMaxFreq, ScalingMinFreq,
	CPUInfoMaxFreq, CPUInfoMinFreq, AvailableGovernors, Boost,
	PackageThrottleTime, EnergyPerfBias,
}

// Proc file keys
const (
	ProcStat    = "stat"
	ProcCPUInfo = "cpuinfo"
	ProcMemInfo = "meminfo"
)

// ryzen_smu_drv files
const (
	SMUArgs   = "smu_args"
	MP1SMUCmd = "mp1_smu_cmd"
	RSMUCmd   = "rsmu_cmd"
)

// TDPFiles are the Intel RAPL package constraint files
type TDPFiles struct {
	Current string `json:"tdp,omitempty"`
	Max     string `json:"max_tdp,omitempty"`
}

// Table holds every located path. A missing map key means the file is not
// available for that thread.
type Table struct {
	CPUDirectory    string                      `json:"cpu_directory"`
	Vendor          Vendor                      `json:"vendor"`
	Files           map[FileKind]map[int]string `json:"cpu_files"`
	IntelBoostPath  string                      `json:"intel_boost_path,omitempty"`
	PackageTempFile string                      `json:"package_temp_file,omitempty"`
	ProcFiles       map[string]string           `json:"proc_files"`
	IntelTDP        TDPFiles                    `json:"intel_tdp_files"`
	CacheSizes      map[string]string           `json:"cache_sizes,omitempty"`

	// RyzenSMUDir is probed on every start since the driver may be loaded later
	RyzenSMUDir string `json:"-"`
	// Limited is set when the fallback configuration was applied
	Limited bool `json:"-"`
}

func newTable() *Table {
	t := &Table{
		Files:      make(map[FileKind]map[int]string),
		ProcFiles:  make(map[string]string),
		CacheSizes: make(map[string]string),
	}
	t.normalize()
	return t
}

// normalize makes sure every map exists, which a cache file may omit
func (t *Table) normalize() {
	if t.Files == nil {
		t.Files = make(map[FileKind]map[int]string)
	}
	for _, kind := range AllKinds {
		if t.Files[kind] == nil {
			t.Files[kind] = make(map[int]string)
		}
	}
	if t.ProcFiles == nil {
		t.ProcFiles = make(map[string]string)
	}
	if t.CacheSizes == nil {
		t.CacheSizes = make(map[string]string)
	}
	if t.Vendor == "" {
		t.Vendor = VendorOther
	}
}

// Path returns the file of kind for thread, or "" when absent
func (t *Table) Path(kind FileKind, thread int) string {
	return t.Files[kind][thread]
}

// Threads returns the thread indices that have a file of kind, ascending
func (t *Table) Threads(kind FileKind) []int {
	threads := make([]int, 0, len(t.Files[kind]))
	for thread, path := range t.Files[kind] {
		if path != "" {
			threads = append(threads, thread)
		}
	}
	sort.Ints(threads)
	return threads
}

// Paths returns every file of kind ordered by thread
func (t *Table) Paths(kind FileKind) []string {
	threads := t.Threads(kind)
	paths := make([]string, 0, len(threads))
	for _, thread := range threads {
		paths = append(paths, t.Files[kind][thread])
	}
	return paths
}

// Proc returns the located /proc file, or "" when absent
func (t *Table) Proc(name string) string {
	return t.ProcFiles[name]
}

// SMUPath returns a ryzen_smu_drv file, or "" when the driver is absent
func (t *Table) SMUPath(name string) string {
	if t.RyzenSMUDir == "" {
		return ""
	}
	return filepath.Join(t.RyzenSMUDir, name)
}

// Profile summarizes what the located files allow
type Profile struct {
	Vendor         Vendor `json:"vendor"`
	HasIntelTDP    bool   `json:"has_intel_tdp"`
	HasRyzenSMU    bool   `json:"has_ryzen_smu"`
	HasBoost       bool   `json:"has_boost"`
	HasEPB         bool   `json:"has_epb"`
	HasThrottle    bool   `json:"has_throttle"`
	HasTemperature bool   `json:"has_temperature"`
	HasFrequency   bool   `json:"has_frequency"`
	HasGovernor    bool   `json:"has_governor"`
	Limited        bool   `json:"limited"`
}

// Profile derives the capability summary
func (t *Table) Profile() Profile {
	return Profile{
		Vendor:         t.Vendor,
		HasIntelTDP:    t.IntelTDP.Current != "" && t.IntelTDP.Max != "",
		HasRyzenSMU:    t.RyzenSMUDir != "",
		HasBoost:       t.IntelBoostPath != "" || len(t.Files[Boost]) > 0,
		HasEPB:         len(t.Files[EnergyPerfBias]) > 0,
		HasThrottle:    len(t.Files[PackageThrottleTime]) > 0,
		HasTemperature: t.PackageTempFile != "",
		HasFrequency:   len(t.Files[ScalingMaxFreq]) > 0,
		HasGovernor:    len(t.Files[Governor]) > 0,
		Limited:        t.Limited,
	}
}

// validate reports the mandatory paths that are missing
func (t *Table) validate() []string {
	var problems []string
	if t.CPUDirectory == "" {
		problems = append(problems, "CPU directory is not set")
	} else if _, err := os.Stat(t.CPUDirectory); err != nil {
		problems = append(problems, "CPU directory does not exist: "+t.CPUDirectory)
	}

	maxFiles := t.Paths(ScalingMaxFreq)
	if len(maxFiles) == 0 {
		problems = append(problems, "frequency limit files are not set for any thread")
	} else if _, err := os.Stat(maxFiles[0]); err != nil {
		problems = append(problems, "frequency limit file does not exist: "+maxFiles[0])
	}

	if t.Proc(ProcStat) == "" {
		problems = append(problems, "/proc/stat file is not set")
	}
	return problems
}
