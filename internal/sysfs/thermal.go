package sysfs

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// sensorPriorities are scored in order, highest first
var sensorPriorities = []struct{ primary, secondary string }{
	{"package", "temp"},
	{"coretemp", "temp"},
	{"cpu", "package"},
	{"tctl", ""},
	{"tccd", ""},
	{"die", "temp"},
	{"cpu", "thermal"},
	{"cpu", "temp"},
	{"soc", "thermal"},
	{"cluster", "thermal"},
	{"thermal", "cpu"},
	{"cpu_thermal", ""},
	{"tsens", "cpu"},
	{"cpu", ""},
	{"thermal", ""},
	{"temp", ""},
}

var cpuPathPatterns = []string{
	"cpu", "coretemp", "package", "tctl", "tccd", "k10temp",
	"thermal/cpu", "cpu_thermal", "cluster", "soc", "tsens",
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsCPUThermalType reports whether a thermal zone type or sensor label
// belongs to the CPU package on the given vendor
func IsCPUThermalType(vendor Vendor, zoneType string) bool {
	zoneType = strings.ToLower(zoneType)
	if vendor == VendorIntel {
		return containsAny(zoneType, "package", "cpu", "coretemp", "x86_pkg_temp")
	}
	return containsAny(zoneType,
		"amd", "tctl", "tccd", "k10temp",
		"cpu", "cluster", "soc",
		"processor", "core")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// findThermalFile picks the package temperature file: a CPU thermal zone
// when one exists, otherwise the best scoring hwmon input
func (l *Locator) findThermalFile(vendor Vendor) string {
	if path := l.thermalZoneFile(vendor); path != "" {
		l.Logger.Infof("Found thermal zone file: %s", path)
		return path
	}

	candidates := l.hwmonCandidates(vendor)
	if len(candidates) == 0 {
		candidates = l.deviceCandidates(vendor)
	}
	if best, score := selectThermal(candidates, vendor); best != "" {
		l.Logger.Infof("Selected thermal file with score %d: %s", score, best)
		return best
	}

	l.Logger.Warn("No thermal files found for CPU temperature monitoring")
	return ""
}

func (l *Locator) thermalZoneFile(vendor Vendor) string {
	base := filepath.Join(l.SysRoot, "class", "thermal")
	items, err := os.ReadDir(base)
	if err != nil {
		return ""
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		if strings.HasPrefix(item.Name(), "thermal_zone") {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		zone := filepath.Join(base, name)
		zoneType, err := readTrimmed(filepath.Join(zone, "type"))
		if err != nil || !IsCPUThermalType(vendor, zoneType) {
			continue
		}
		temp := filepath.Join(zone, "temp")
		if value, err := readTrimmed(temp); err == nil && isDigits(value) {
			return temp
		}
	}
	return ""
}

// hwmonCandidates resolves /sys/class/hwmon links to their device paths
func (l *Locator) hwmonCandidates(vendor Vendor) []string {
	base := filepath.Join(l.SysRoot, "class", "hwmon")
	items, err := os.ReadDir(base)
	if err != nil {
		return nil
	}

	var candidates []string
	for _, item := range items {
		dir := filepath.Join(base, item.Name())
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			dir = resolved
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if path, ok := l.temperatureCandidate(dir, f.Name(), vendor); ok {
				candidates = append(candidates, path)
			}
		}
	}
	return candidates
}

// deviceCandidates walks the device tree for temperature inputs
func (l *Locator) deviceCandidates(vendor Vendor) []string {
	var candidates []string
	for d := range l.Cache.Walk(filepath.Join(l.SysRoot, "devices")) {
		for _, name := range d.Files {
			if path, ok := l.temperatureCandidate(d.Path, name, vendor); ok {
				candidates = append(candidates, path)
			}
		}
	}
	return candidates
}

func (l *Locator) temperatureCandidate(dir, name string, vendor Vendor) (string, bool) {
	lower := strings.ToLower(name)
	if !containsAny(lower, "temp", "thermal") {
		return "", false
	}
	if !containsAny(name, "_input", "_temp", "_temperature") {
		return "", false
	}
	if !isCPURelatedPath(dir, name, vendor) {
		return "", false
	}

	path := filepath.Join(dir, name)
	value, err := readTrimmed(path)
	if err != nil || !isDigits(value) {
		return "", false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err != nil || n <= 0 {
		return "", false
	}
	return path, true
}

func isCPURelatedPath(dir, name string, vendor Vendor) bool {
	for _, suffix := range []string{"label", "name", "type"} {
		sibling := filepath.Join(dir, strings.Replace(name, "_input", "_"+suffix, 1))
		if sibling == filepath.Join(dir, name) {
			continue
		}
		if content, err := readTrimmed(sibling); err == nil && IsCPUThermalType(vendor, content) {
			return true
		}
	}

	if strings.Contains(dir, "hwmon") {
		if content, err := readTrimmed(filepath.Join(dir, "name")); err == nil && IsCPUThermalType(vendor, content) {
			return true
		}
	}

	return containsAny(strings.ToLower(filepath.Join(dir, name)), cpuPathPatterns...)
}

// scoreThermal ranks a candidate path; higher is better
func scoreThermal(path string, vendor Vendor) int {
	lower := strings.ToLower(path)
	parent := strings.ToLower(filepath.Base(filepath.Dir(path)))

	score := 0
	for i, p := range sensorPriorities {
		weight := len(sensorPriorities) - i
		switch {
		case strings.Contains(lower, p.primary) && (p.secondary == "" || strings.Contains(lower, p.secondary)):
			score += weight * 2
		case strings.Contains(parent, p.primary):
			score += weight
		}
	}

	if strings.Contains(lower, "thermal_zone") {
		score += 100
	}
	if strings.Contains(lower, "hwmon") {
		score += 50
	}
	if vendor == VendorIntel {
		if containsAny(lower, "package", "coretemp") {
			score += 30
		}
	} else if containsAny(lower, "tctl", "k10temp") {
		score += 30
	}
	return score
}

// selectThermal returns the highest scoring candidate; ties keep the
// lexically first path
func selectThermal(candidates []string, vendor Vendor) (string, int) {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	best, bestScore := "", -1
	for _, path := range sorted {
		if score := scoreThermal(path, vendor); score > bestScore {
			best, bestScore = path, score
		}
	}
	return best, bestScore
}
