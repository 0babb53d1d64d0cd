// Package command renders control values as the shell commands that write
// them into sysfs. Nothing here executes anything.
package command

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
)

var (
	// ErrNothingToApply is returned when no target file exists for a change
	ErrNothingToApply = errors.New("no control files to write")
	// ErrInvalidValue is returned for values outside what the kernel accepts
	ErrInvalidValue = errors.New("invalid value")
)

// Governors accepted by scaling_governor
var Governors = []string{"conservative", "ondemand", "performance", "powersave", "schedutil", "userspace"}

// EPBTokens are the energy_perf_bias choices, "<value> - <label>"
var EPBTokens = []string{
	"0 - Maximum Performance",
	"4 - Balanced Performance",
	"6 - Normal",
	"8 - Balanced Power Save",
	"15 - Maximum Power Save",
}

var epbValues = []int{0, 4, 6, 8, 15}

// Command bytes understood by ryzen_smu_drv
const (
	pboCommand byte = 0x35
	tdpCommand byte = 0x53
)

// tdpArgumentBytes is the width of the TDP argument written to smu_args
const tdpArgumentBytes = 24

// Write renders a single "echo value | tee path" write
func Write(value, path string) string {
	return fmt.Sprintf("echo %s | tee %s > /dev/null", value, path)
}

// Join chains commands so the first failure stops the rest
func Join(commands []string) string {
	return strings.Join(commands, " && ")
}

// KHz converts MHz to the kHz integer cpufreq files hold
func KHz(mhz float64) int64 {
	return int64(mhz * 1000)
}

// Limit is a min/max frequency pair in MHz
type Limit struct {
	MinMHz float64 `json:"min_mhz"`
	MaxMHz float64 `json:"max_mhz"`
}

// FrequencyLimits writes max then min for every thread in limits. Threads
// without both scaling files are skipped.
func FrequencyLimits(t *sysfs.Table, limits map[int]Limit) ([]string, error) {
	threads := make([]int, 0, len(limits))
	for thread := range limits {
		threads = append(threads, thread)
	}
	sort.Ints(threads)

	var commands []string
	for _, thread := range threads {
		limit := limits[thread]
		if limit.MinMHz < 0 || limit.MaxMHz < 0 || limit.MinMHz > limit.MaxMHz {
			return nil, fmt.Errorf("thread %d: min %.0f MHz and max %.0f MHz: %w", thread, limit.MinMHz, limit.MaxMHz, ErrInvalidValue)
		}

		maxFile := t.Path(sysfs.ScalingMaxFreq, thread)
		minFile := t.Path(sysfs.ScalingMinFreq, thread)
		if maxFile == "" || minFile == "" {
			continue
		}
		commands = append(commands,
			Write(strconv.FormatInt(KHz(limit.MaxMHz), 10), maxFile),
			Write(strconv.FormatInt(KHz(limit.MinMHz), 10), minFile),
		)
	}

	if len(commands) == 0 {
		return nil, fmt.Errorf("frequency limits: %w", ErrNothingToApply)
	}
	return commands, nil
}

// ValidGovernor reports whether name is a known cpufreq governor
func ValidGovernor(name string) bool {
	return slices.Contains(Governors, name)
}

// Governor writes the governor to every thread
func Governor(t *sysfs.Table, governor string) ([]string, error) {
	if !ValidGovernor(governor) {
		return nil, fmt.Errorf("governor %q: %w", governor, ErrInvalidValue)
	}

	var commands []string
	for _, path := range t.Paths(sysfs.Governor) {
		commands = append(commands, Write(governor, path))
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("governor: %w", ErrNothingToApply)
	}
	return commands, nil
}

// BoostValue returns what to write for the requested boost state. Intel's
// no_turbo is inverted: 0 means turbo is on.
func BoostValue(vendor sysfs.Vendor, enabled bool) string {
	if vendor == sysfs.VendorIntel {
		if enabled {
			return "0"
		}
		return "1"
	}
	if enabled {
		return "1"
	}
	return "0"
}

// ParseBoost reads a boost file's content with the vendor's polarity.
// ok is false for anything other than 0 or 1.
func ParseBoost(vendor sysfs.Vendor, content string) (enabled, ok bool) {
	switch strings.TrimSpace(content) {
	case "0":
		return vendor == sysfs.VendorIntel, true
	case "1":
		return vendor != sysfs.VendorIntel, true
	default:
		return false, false
	}
}

// Boost writes the boost state: no_turbo on Intel, every thread's boost
// file elsewhere
func Boost(t *sysfs.Table, enabled bool) ([]string, error) {
	value := BoostValue(t.Vendor, enabled)

	var commands []string
	if t.Vendor == sysfs.VendorIntel {
		if t.IntelBoostPath != "" {
			commands = append(commands, Write(value, t.IntelBoostPath))
		}
	} else {
		for _, path := range t.Paths(sysfs.Boost) {
			commands = append(commands, Write(value, path))
		}
	}

	if len(commands) == 0 {
		return nil, fmt.Errorf("boost: %w", ErrNothingToApply)
	}
	return commands, nil
}

// IntelTDPMicrowatts converts watts to the RAPL constraint unit
func IntelTDPMicrowatts(watts float64) int64 {
	return int64(watts * 1_000_000)
}

// IntelTDP writes the RAPL package power limit
func IntelTDP(t *sysfs.Table, watts float64) ([]string, int64, error) {
	if watts <= 0 {
		return nil, 0, fmt.Errorf("tdp %.1f W: %w", watts, ErrInvalidValue)
	}
	if t.IntelTDP.Current == "" {
		return nil, 0, fmt.Errorf("intel tdp: %w", ErrNothingToApply)
	}
	uw := IntelTDPMicrowatts(watts)
	return []string{IntelTDPWrite(t, uw)}, uw, nil
}

// IntelTDPWrite renders the write of an already converted µW value
func IntelTDPWrite(t *sysfs.Table, microwatts int64) string {
	return Write(strconv.FormatInt(microwatts, 10), t.IntelTDP.Current)
}

// RyzenTDPMilliwatts converts watts to the SMU power limit unit
func RyzenTDPMilliwatts(watts float64) int64 {
	return int64(watts * 1000)
}

// RyzenTDPArgument is the little-endian SMU argument block for a power
// limit in mW
func RyzenTDPArgument(milliwatts int64) []byte {
	arg := make([]byte, tdpArgumentBytes)
	v := uint64(milliwatts)
	for i := 0; i < 8; i++ {
		arg[i] = byte(v >> (8 * i))
	}
	return arg
}

// printfBytes renders raw bytes as a POSIX printf with octal escapes
func printfBytes(b []byte) string {
	var sb strings.Builder
	sb.WriteString("printf '")
	for _, c := range b {
		fmt.Fprintf(&sb, "\\%03o", c)
	}
	sb.WriteString("'")
	return sb.String()
}

func writeBytes(b []byte, path string) string {
	return fmt.Sprintf("%s | tee %s > /dev/null", printfBytes(b), path)
}

// RyzenTDP writes the power limit through ryzen_smu_drv
func RyzenTDP(t *sysfs.Table, watts float64) ([]string, int64, error) {
	if watts <= 0 {
		return nil, 0, fmt.Errorf("tdp %.1f W: %w", watts, ErrInvalidValue)
	}
	if t.RyzenSMUDir == "" {
		return nil, 0, fmt.Errorf("ryzen tdp: %w", ErrNothingToApply)
	}
	mw := RyzenTDPMilliwatts(watts)
	return RyzenTDPWrite(t, mw), mw, nil
}

// RyzenTDPWrite renders the SMU writes of an already converted mW value
func RyzenTDPWrite(t *sysfs.Table, milliwatts int64) []string {
	return []string{
		writeBytes(RyzenTDPArgument(milliwatts), t.SMUPath(sysfs.SMUArgs)),
		writeBytes([]byte{tdpCommand}, t.SMUPath(sysfs.RSMUCmd)),
	}
}

// PBOArgument packs a negative curve offset of magnitude for one core
func PBOArgument(magnitude, core int) uint32 {
	offset := -magnitude
	if offset < 0 {
		offset += 1 << 16
	}
	return uint32(((core&8)<<5|core&7)<<20 | (offset & 0xFFFF))
}

// PBO writes the curve offset for each physical core in turn
func PBO(t *sysfs.Table, magnitude, cores int) ([]string, error) {
	if magnitude < 0 || magnitude > 0xFFFF {
		return nil, fmt.Errorf("pbo offset %d: %w", magnitude, ErrInvalidValue)
	}
	if t.RyzenSMUDir == "" || cores < 1 {
		return nil, fmt.Errorf("pbo: %w", ErrNothingToApply)
	}

	commands := make([]string, 0, 2*cores)
	for core := 0; core < cores; core++ {
		commands = append(commands,
			Write(strconv.FormatUint(uint64(PBOArgument(magnitude, core)), 10), t.SMUPath(sysfs.SMUArgs)),
			Write(fmt.Sprintf("'%#x'", pboCommand), t.SMUPath(sysfs.MP1SMUCmd)),
		)
	}
	return commands, nil
}

// ParseEPB extracts the bias value from a "<value> - <label>" token
func ParseEPB(token string) (int, error) {
	fields := strings.Fields(token)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty energy perf bias: %w", ErrInvalidValue)
	}
	value, err := strconv.Atoi(fields[0])
	if err != nil || !slices.Contains(epbValues, value) {
		return 0, fmt.Errorf("energy perf bias %q: %w", token, ErrInvalidValue)
	}
	return value, nil
}

// EPBToken returns the display token for a bias value
func EPBToken(value int) (string, bool) {
	for _, token := range EPBTokens {
		if v, err := ParseEPB(token); err == nil && v == value {
			return token, true
		}
	}
	return "", false
}

// EPB writes the bias to every thread
func EPB(t *sysfs.Table, token string) ([]string, error) {
	value, err := ParseEPB(token)
	if err != nil {
		return nil, err
	}

	var commands []string
	for _, path := range t.Paths(sysfs.EnergyPerfBias) {
		commands = append(commands, Write(strconv.Itoa(value), path))
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("energy perf bias: %w", ErrNothingToApply)
	}
	return commands, nil
}
