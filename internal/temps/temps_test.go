package temps

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestGetInfoCategorizes(t *testing.T) {
	r := NewReader("", quietLogger())
	r.sensors = func(context.Context) ([]host.TemperatureStat, error) {
		return []host.TemperatureStat{
			{SensorKey: "coretemp_core_0", Temperature: 50},
			{SensorKey: "k10temp_tctl", Temperature: 60},
			{SensorKey: "amdgpu_edge", Temperature: 40},
			{SensorKey: "nvme_composite", Temperature: 35},
			{SensorKey: "acpitz", Temperature: 30},
		}, nil
	}

	info, err := r.GetInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(info.CPU) != 2 || len(info.GPU) != 1 || len(info.Drives) != 1 || len(info.System) != 1 {
		t.Errorf("categories: cpu=%d gpu=%d drives=%d system=%d", len(info.CPU), len(info.GPU), len(info.Drives), len(info.System))
	}
	if info.Package != nil {
		t.Errorf("package sensor without a file: %+v", info.Package)
	}
}

func TestPackageSensor(t *testing.T) {
	file := filepath.Join(t.TempDir(), "temp1_input")
	if err := os.WriteFile(file, []byte("61250\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewReader(file, quietLogger())
	r.sensors = func(context.Context) ([]host.TemperatureStat, error) {
		return nil, errors.New("no hwmon")
	}

	info, err := r.GetInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Package == nil || info.Package.Temperature != 61.25 || info.Package.Name != PackageSensor {
		t.Errorf("package = %+v", info.Package)
	}
}

func TestGetInfoNoSources(t *testing.T) {
	r := NewReader("", quietLogger())
	r.sensors = func(context.Context) ([]host.TemperatureStat, error) {
		return nil, errors.New("no hwmon")
	}
	if _, err := r.GetInfo(context.Background()); err == nil {
		t.Error("expected an error with no sensors at all")
	}
}
