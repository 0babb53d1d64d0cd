// Package topology derives the physical core count and model name of the
// CPU from /proc/cpuinfo, across x86 and ARM layouts.
package topology

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CristiGvl/picoCPUCtl/internal/platform"
	"github.com/sirupsen/logrus"
)

// UnknownModel is reported when cpuinfo cannot be read at all
const UnknownModel = "Unknown CPU"

// Info is the resolved CPU topology
type Info struct {
	PhysicalCores  int    `json:"physical_cores"`
	VirtualThreads int    `json:"virtual_threads"`
	ModelName      string `json:"model_name"`
	Method         string `json:"method"`
}

// cpuinfo holds the fields of /proc/cpuinfo the strategies look at
type cpuinfo struct {
	modelName          string
	cpuCores           int
	siblings           int
	physicalIDs        map[string]struct{}
	coreIDsPerPhysical map[string]map[string]struct{}
	processorCount     int
	cpuParts           map[string]struct{}
	clusters           map[string]struct{}
}

func (c *cpuinfo) topologyCores() int {
	total := 0
	for _, cores := range c.coreIDsPerPhysical {
		total += len(cores)
	}
	return total
}

var modelKeys = map[string]bool{
	"model name": true,
	"Model name": true,
	"cpu model":  true,
}

func parse(r io.Reader) (*cpuinfo, error) {
	info := &cpuinfo{
		physicalIDs:        make(map[string]struct{}),
		coreIDsPerPhysical: make(map[string]map[string]struct{}),
		cpuParts:           make(map[string]struct{}),
		clusters:           make(map[string]struct{}),
	}

	block := make(map[string]string)
	flush := func() {
		if len(block) == 0 {
			return
		}
		info.processorCount++
		if phys, ok := block["physical id"]; ok {
			info.physicalIDs[phys] = struct{}{}
			if core, ok := block["core id"]; ok {
				if info.coreIDsPerPhysical[phys] == nil {
					info.coreIDsPerPhysical[phys] = make(map[string]struct{})
				}
				info.coreIDsPerPhysical[phys][core] = struct{}{}
			}
		}
		if part, ok := block["CPU part"]; ok {
			info.cpuParts[part] = struct{}{}
		}
		if cluster, ok := block["cluster"]; ok {
			info.clusters[cluster] = struct{}{}
		}
		block = make(map[string]string)
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		block[key] = value

		if info.modelName == "" && modelKeys[key] {
			info.modelName = value
		}
		if info.cpuCores == 0 && key == "cpu cores" {
			info.cpuCores, _ = strconv.Atoi(value)
		}
		if info.siblings == 0 && key == "siblings" {
			info.siblings, _ = strconv.Atoi(value)
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return info, nil
}

// strategy is one physical-core heuristic. It reports false when it does
// not apply to the parsed data.
type strategy struct {
	name    string
	resolve func(c *cpuinfo) (int, bool)
}

// strategies are tried in order; the first one that applies wins
var strategies = []strategy{
	{"cpu-cores-field", fromCoresField},
	{"core-topology", fromCoreTopology},
	{"arm-clusters", fromClusters},
	{"arm-single-part", fromSinglePart},
	{"physical-packages", fromPackages},
	{"siblings", fromSiblings},
	{"arm-large", fromLargeARM},
}

// fallbackStrategy applies when nothing else does
const fallbackStrategy = "half-processors"

func fromCoresField(c *cpuinfo) (int, bool) {
	if c.cpuCores <= 0 || len(c.physicalIDs) == 0 {
		return 0, false
	}
	total := c.topologyCores()
	if total > 0 && abs(c.cpuCores-total) <= 1 {
		return c.cpuCores, true
	}
	return 0, false
}

func fromCoreTopology(c *cpuinfo) (int, bool) {
	if total := c.topologyCores(); total > 0 {
		return total, true
	}
	return 0, false
}

func fromClusters(c *cpuinfo) (int, bool) {
	if len(c.clusters) > 1 && c.processorCount/len(c.clusters) > 0 {
		return c.processorCount, true
	}
	return 0, false
}

func fromSinglePart(c *cpuinfo) (int, bool) {
	if len(c.cpuParts) == 1 && c.processorCount > 0 {
		return c.processorCount, true
	}
	return 0, false
}

func fromPackages(c *cpuinfo) (int, bool) {
	if len(c.physicalIDs) == 0 {
		return 0, false
	}
	packages := len(c.physicalIDs)
	return max(1, c.processorCount/packages) * packages, true
}

func fromSiblings(c *cpuinfo) (int, bool) {
	if c.siblings <= 0 {
		return 0, false
	}
	if c.cpuCores > 0 && c.siblings > c.cpuCores {
		return c.cpuCores, true
	}
	if c.siblings == c.processorCount {
		return c.siblings, true
	}
	return 0, false
}

func fromLargeARM(c *cpuinfo) (int, bool) {
	if c.processorCount > 8 && len(c.physicalIDs) == 0 && len(c.cpuParts) > 0 {
		return c.processorCount, true
	}
	return 0, false
}

func fallback(processors int) int {
	if processors > 2 {
		return max(1, processors/2)
	}
	return processors
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Resolver reads cpuinfo and the model-name fallbacks
type Resolver struct {
	// ProcRoot and SysRoot default to /proc and /sys
	ProcRoot string
	SysRoot  string
	// Machine returns the architecture string used as the last model fallback
	Machine func() string
	Logger  logrus.FieldLogger
}

// NewResolver creates a resolver for the running system
func NewResolver(logger logrus.FieldLogger) *Resolver {
	return &Resolver{
		ProcRoot: "/proc",
		SysRoot:  "/sys",
		Machine:  platform.Machine,
		Logger:   logger,
	}
}

// Resolve reads cpuinfoPath and returns the topology. threads is the
// operating system's logical CPU count. Resolve never fails; when cpuinfo
// is unreadable it returns a degraded guess.
func (r *Resolver) Resolve(cpuinfoPath string, threads int) Info {
	threads = max(1, threads)

	f, err := os.Open(cpuinfoPath)
	if err != nil {
		r.Logger.Errorf("error reading cpu info: %v", err)
		return degraded(threads)
	}
	defer f.Close()

	data, err := parse(f)
	if err != nil {
		r.Logger.Errorf("error parsing cpu info: %v", err)
		return degraded(threads)
	}

	info := r.resolve(data, threads)
	if info.ModelName == "" {
		info.ModelName = r.fallbackModel()
	}
	return info
}

// Parse resolves topology from cpuinfo content without model fallbacks
func Parse(r io.Reader, threads int) (Info, error) {
	data, err := parse(r)
	if err != nil {
		return Info{}, err
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return (&Resolver{Logger: logger}).resolve(data, max(1, threads)), nil
}

func (r *Resolver) resolve(data *cpuinfo, threads int) Info {
	info := Info{VirtualThreads: threads, ModelName: data.modelName}

	if data.processorCount == 0 {
		data.processorCount = threads
	}

	for _, s := range strategies {
		if cores, ok := s.resolve(data); ok && cores > 0 {
			info.PhysicalCores = cores
			info.Method = s.name
			break
		}
	}
	if info.PhysicalCores == 0 {
		info.PhysicalCores = fallback(data.processorCount)
		info.Method = fallbackStrategy
		r.Logger.Warnf("using fallback method: %d cores (from %d processors)", info.PhysicalCores, data.processorCount)
	} else {
		r.Logger.Infof("physical cores from %s: %d", info.Method, info.PhysicalCores)
	}

	info.PhysicalCores = min(max(1, info.PhysicalCores), info.VirtualThreads)
	return info
}

func degraded(threads int) Info {
	return Info{
		PhysicalCores:  max(1, threads/2),
		VirtualThreads: threads,
		ModelName:      UnknownModel,
		Method:         "degraded",
	}
}

func (r *Resolver) fallbackModel() string {
	if data, err := os.ReadFile(filepath.Join(r.ProcRoot, "device-tree", "model")); err == nil {
		model := strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", ""))
		if model != "" {
			return fmt.Sprintf("ARM Device: %s", model)
		}
	}

	dmi := filepath.Join(r.SysRoot, "class", "dmi", "id")
	if data, err := os.ReadFile(filepath.Join(dmi, "product_name")); err == nil {
		product := strings.TrimSpace(string(data))
		version := ""
		if v, err := os.ReadFile(filepath.Join(dmi, "product_version")); err == nil {
			version = strings.TrimSpace(string(v))
		}
		switch {
		case product != "" && version != "":
			return product + " " + version
		case product != "":
			return product
		}
	}

	if r.Machine != nil {
		return platform.DescribeMachine(r.Machine())
	}
	return UnknownModel
}
