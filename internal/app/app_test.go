package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/CristiGvl/picoCPUCtl/internal/monitor"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	root := t.TempDir()
	proc := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(proc, "cpuinfo"),
		"processor\t: 0\nmodel name\t: Synthetic 4000\ncpu cores\t: 2\n\nprocessor\t: 1\nmodel name\t: Synthetic 4000\ncpu cores\t: 2\n")
	writeFile(t, filepath.Join(proc, "stat"), "cpu  1 1 1 1\ncpu0 1 1 1 1\n")
	writeFile(t, filepath.Join(proc, "meminfo"), "MemTotal:       8192000 kB\n")
	if err := os.MkdirAll(filepath.Join(root, "sys"), 0o755); err != nil {
		t.Fatal(err)
	}

	return Options{
		ConfigPath: filepath.Join(root, "config", "config.yaml"),
		CacheDir:   filepath.Join(root, "cache"),
		LogFile:    filepath.Join(root, "state", "picocpuctl.log"),
		LogLevel:   "debug",
		Quiet:      true,
		SysRoot:    filepath.Join(root, "sys"),
		ProcRoot:   proc,
	}
}

func TestNewBuildsContext(t *testing.T) {
	a, err := New(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.Topology.ModelName != "Synthetic 4000" {
		t.Errorf("model = %q", a.Topology.ModelName)
	}
	if !a.Table.Limited {
		t.Error("empty /sys should produce the limited fallback table")
	}
	if a.Settings != config.Defaults() {
		t.Errorf("settings = %+v", a.Settings)
	}
	if got := a.Config.Get(config.SectionSettings, "elevation_command", ""); got != "pkexec" {
		t.Errorf("defaults not written, elevation_command = %q", got)
	}
}

func TestRunSchedulesAndStops(t *testing.T) {
	a, err := New(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan []string, 1)
	errDone := make(chan error, 1)
	go func() {
		errDone <- a.Run(ctx, func(ctx context.Context) error {
			started <- a.Scheduler.Running()
			<-ctx.Done()
			return nil
		})
	}()

	select {
	case running := <-started:
		if len(running) != 2 || running[0] != monitor.TaskControl || running[1] != monitor.TaskCPU {
			t.Errorf("running tasks = %v", running)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service never started")
	}

	d, err := a.SetInterval(0.05)
	if err != nil {
		t.Fatal(err)
	}
	if d != config.MinInterval {
		t.Errorf("interval = %v", d)
	}
	if got := a.Config.Get(config.SectionSettings, "update_interval", ""); got != config.FormatSeconds(0.1) {
		t.Errorf("stored interval = %q", got)
	}

	cancel()
	select {
	case err := <-errDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := a.Scheduler.Running(); len(got) != 0 {
		t.Errorf("tasks still scheduled: %v", got)
	}
}
