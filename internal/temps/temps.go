package temps

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"
)

// PackageSensor names the located CPU package sensor
const PackageSensor = "package"

// Sensor represents a temperature sensor
type Sensor struct {
	Name        string  `json:"name"`
	Label       string  `json:"label"`
	Temperature float64 `json:"temperature_celsius"`
	Critical    float64 `json:"critical_celsius"`
	Max         float64 `json:"max_celsius"`
}

// Info represents temperature information
type Info struct {
	Package *Sensor   `json:"package,omitempty"`
	CPU     []*Sensor `json:"cpu"`
	GPU     []*Sensor `json:"gpu"`
	System  []*Sensor `json:"system"`
	Drives  []*Sensor `json:"drives"`
}

var categories = []struct {
	keys []string
	pick func(*Info) *[]*Sensor
}{
	{[]string{"cpu", "core", "processor", "k10temp", "zenpower", "coretemp", "tctl", "tdie"}, func(i *Info) *[]*Sensor { return &i.CPU }},
	{[]string{"gpu", "nvidia", "amdgpu", "radeon", "nouveau"}, func(i *Info) *[]*Sensor { return &i.GPU }},
	{[]string{"drive", "disk", "nvme", "sda", "sdb"}, func(i *Info) *[]*Sensor { return &i.Drives }},
}

// Reader reads the located package temperature file and the hwmon sensors
// gopsutil reports
type Reader struct {
	packageFile string
	sensors     func(ctx context.Context) ([]host.TemperatureStat, error)
	logger      logrus.FieldLogger
}

// NewReader creates a temperature reader. packageFile may be empty.
func NewReader(packageFile string, logger logrus.FieldLogger) *Reader {
	return &Reader{
		packageFile: packageFile,
		sensors:     host.SensorsTemperaturesWithContext,
		logger:      logger,
	}
}

// GetInfo returns temperature information
func (r *Reader) GetInfo(ctx context.Context) (*Info, error) {
	info := &Info{
		CPU:    []*Sensor{},
		GPU:    []*Sensor{},
		System: []*Sensor{},
		Drives: []*Sensor{},
	}
	info.Package = r.packageSensor()

	temps, err := r.sensors(ctx)
	if err != nil && len(temps) == 0 {
		// gopsutil returns partial results with a warning error
		if info.Package != nil {
			r.logger.Debugf("Reading hwmon sensors: %v", err)
			return info, nil
		}
		return nil, err
	}

	for _, temp := range temps {
		sensor := &Sensor{
			Name:        temp.SensorKey,
			Label:       temp.SensorKey,
			Temperature: temp.Temperature,
			Critical:    temp.Critical,
			Max:         temp.High,
		}
		dst := categorize(info, temp.SensorKey)
		*dst = append(*dst, sensor)
	}
	return info, nil
}

func categorize(info *Info, key string) *[]*Sensor {
	key = strings.ToLower(key)
	for _, c := range categories {
		for _, k := range c.keys {
			if strings.Contains(key, k) {
				return c.pick(info)
			}
		}
	}
	return &info.System
}

func (r *Reader) packageSensor() *Sensor {
	if r.packageFile == "" {
		return nil
	}
	data, err := os.ReadFile(r.packageFile)
	if err != nil {
		r.logger.Debugf("Reading package temperature: %v", err)
		return nil
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		r.logger.Error("Temperature reading is not a valid number.")
		return nil
	}
	return &Sensor{Name: PackageSensor, Label: r.packageFile, Temperature: milli / 1000}
}
