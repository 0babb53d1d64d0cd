package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/CristiGvl/picoCPUCtl/internal/platform"
	"github.com/CristiGvl/picoCPUCtl/internal/privileged"
	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openConfig(t *testing.T) *config.Store {
	t.Helper()
	cfg, err := config.Open(filepath.Join(t.TempDir(), "config.yaml"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func otherTable(threads int) *sysfs.Table {
	t := &sysfs.Table{
		CPUDirectory: "/sys/devices/system/cpu",
		Vendor:       sysfs.VendorOther,
		Files:        make(map[sysfs.FileKind]map[int]string),
		RyzenSMUDir:  "/sys/kernel/ryzen_smu_drv",
	}
	for _, kind := range sysfs.AllKinds {
		t.Files[kind] = make(map[int]string)
	}
	for i := 0; i < threads; i++ {
		base := fmt.Sprintf("/sys/devices/system/cpu/cpu%d/cpufreq/", i)
		t.Files[sysfs.ScalingMaxFreq][i] = base + "scaling_max_freq"
		t.Files[sysfs.ScalingMinFreq][i] = base + "scaling_min_freq"
		t.Files[sysfs.Governor][i] = base + "scaling_governor"
		t.Files[sysfs.Boost][i] = base + "boost"
	}
	return t
}

func TestStoreRecordsAndReloads(t *testing.T) {
	cfg := openConfig(t)
	store := NewStore(cfg, 2, quietLogger())

	if !store.Applied().Empty() {
		t.Fatal("new store is not empty")
	}

	if err := store.RecordFrequency(map[int]command.Limit{0: {MinMHz: 800, MaxMHz: 3600.5}}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordGovernor("powersave"); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordBoost(false); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordTDP(45000); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordPBOOffset(10); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordEPB("6 - Normal"); err != nil {
		t.Fatal(err)
	}

	if got := cfg.Get(config.SectionApplied, "boost", ""); got != "False" {
		t.Errorf("boost key = %q", got)
	}
	if got := cfg.Get(config.SectionApplied, "max_speed_thread_0", ""); got != "3600.5" {
		t.Errorf("max_speed_thread_0 = %q", got)
	}

	reopened, err := config.Open(cfg.Path(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	a := NewStore(reopened, 2, quietLogger()).Applied()

	if a.MinSpeeds[0] != 800 || a.MaxSpeeds[0] != 3600.5 {
		t.Errorf("speeds = %v / %v", a.MinSpeeds, a.MaxSpeeds)
	}
	if a.Governor != "powersave" || a.Boost == nil || *a.Boost || a.TDP == nil || *a.TDP != 45000 {
		t.Errorf("applied = %+v", a)
	}
	if a.PBOOffset == nil || *a.PBOOffset != 10 || a.EPB != "6 - Normal" {
		t.Errorf("applied = %+v", a)
	}
}

func TestStoreIgnoresOutOfRangeThreads(t *testing.T) {
	cfg := openConfig(t)
	_ = cfg.SetMany(config.SectionApplied, map[string]string{
		"min_speed_thread_1": "800",
		"min_speed_thread_9": "800",
		"tdp":                "lots",
	})

	a := NewStore(cfg, 4, quietLogger()).Applied()
	if len(a.MinSpeeds) != 1 || a.MinSpeeds[1] != 800 {
		t.Errorf("min speeds = %v", a.MinSpeeds)
	}
	if a.TDP != nil {
		t.Errorf("tdp = %v", *a.TDP)
	}
}

func TestAppliedCloneIsDeep(t *testing.T) {
	on := true
	a := Applied{MinSpeeds: map[int]float64{0: 800}, Boost: &on}
	b := a.Clone()
	b.MinSpeeds[0] = 1200
	*b.Boost = false

	if a.MinSpeeds[0] != 800 || !*a.Boost {
		t.Errorf("clone shares state with original: %+v", a)
	}
}

func TestMaterializeOrder(t *testing.T) {
	on := true
	tdp := int64(45000)
	pbo := 5
	a := Applied{
		MinSpeeds: map[int]float64{0: 800, 1: 1000},
		MaxSpeeds: map[int]float64{0: 3000, 1: 3200},
		Governor:  "performance",
		Boost:     &on,
		TDP:       &tdp,
		PBOOffset: &pbo,
	}

	script, err := Materialize(otherTable(2), a, 1, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(script, "\n")
	want := []string{
		"#!/bin/bash",
		"echo 3000000 | tee /sys/devices/system/cpu/cpu0/cpufreq/scaling_max_freq > /dev/null",
		"echo 800000 | tee /sys/devices/system/cpu/cpu0/cpufreq/scaling_min_freq > /dev/null",
		"echo 3200000 | tee /sys/devices/system/cpu/cpu1/cpufreq/scaling_max_freq > /dev/null",
		"echo 1000000 | tee /sys/devices/system/cpu/cpu1/cpufreq/scaling_min_freq > /dev/null",
		"echo performance | tee /sys/devices/system/cpu/cpu0/cpufreq/scaling_governor > /dev/null",
		"echo performance | tee /sys/devices/system/cpu/cpu1/cpufreq/scaling_governor > /dev/null",
		"echo 1 | tee /sys/devices/system/cpu/cpu0/cpufreq/boost > /dev/null",
		"echo 1 | tee /sys/devices/system/cpu/cpu1/cpufreq/boost > /dev/null",
	}
	if len(lines) != len(want)+3 {
		t.Fatalf("script has %d lines:\n%s", len(lines), script)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}

	// Ryzen TDP: argument bytes then the command byte
	if !strings.HasSuffix(lines[len(want)], "smu_args > /dev/null") || !strings.HasSuffix(lines[len(want)+1], "rsmu_cmd > /dev/null") {
		t.Errorf("tdp lines = %q", lines[len(want):len(want)+2])
	}
	if pboLine := lines[len(want)+2]; pboLine != "echo 65531 | tee /sys/kernel/ryzen_smu_drv/smu_args > /dev/null && echo '0x35' | tee /sys/kernel/ryzen_smu_drv/mp1_smu_cmd > /dev/null" {
		t.Errorf("pbo line = %q", pboLine)
	}
	if strings.HasSuffix(script, "\n") {
		t.Error("script ends with a newline")
	}
}

func TestMaterializeIsDeterministic(t *testing.T) {
	a := Applied{
		MinSpeeds: map[int]float64{0: 800, 1: 900, 2: 1000, 3: 1100},
		MaxSpeeds: map[int]float64{0: 3000, 1: 3100, 2: 3200, 3: 3300},
	}
	first, err := Materialize(otherTable(4), a, 2, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Materialize(otherTable(4), a, 2, quietLogger())
		if again != first {
			t.Fatalf("run %d differs:\n%s\nvs\n%s", i, again, first)
		}
	}
}

func TestMaterializeNothingToApply(t *testing.T) {
	if _, err := Materialize(otherTable(2), Applied{}, 1, quietLogger()); !errors.Is(err, command.ErrNothingToApply) {
		t.Errorf("empty applied: err = %v", err)
	}

	// EPB recorded but no EPB files on this table
	if _, err := Materialize(otherTable(2), Applied{EPB: "6 - Normal"}, 1, quietLogger()); !errors.Is(err, command.ErrNothingToApply) {
		t.Errorf("missing epb files: err = %v", err)
	}
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	result   privileged.Result
}

func (f *fakeRunner) Run(_ context.Context, cmd string) <-chan privileged.Result {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	ch := make(chan privileged.Result, 1)
	ch <- f.result
	close(ch)
	return ch
}

func testInstaller(t *testing.T, runner Runner, initName string) *Installer {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "proc", "1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "proc", "1", "comm"), []byte(initName+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	in := NewInstaller(runner, quietLogger())
	in.Host = platform.Host{Root: root, Getenv: func(string) string { return "" }}
	in.ScriptPath = filepath.Join(root, "usr", "local", "bin", "apply.sh")
	in.UnitPath = filepath.Join(root, "etc", "systemd", "system", "picocpuctl.service")
	in.TempDir = t.TempDir()
	in.LookPath = func(string) (string, error) { return "/usr/bin/systemctl", nil }
	in.SystemState = func(context.Context) (int, string, error) { return 1, "degraded", nil }
	return in
}

func recv(t *testing.T, ch <-chan privileged.Result) privileged.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	return privileged.Result{}
}

func TestInstallRunsCommandAndCleansUp(t *testing.T) {
	runner := &fakeRunner{}
	in := testInstaller(t, runner, "systemd")

	ch, err := in.Install(context.Background(), "#!/bin/bash\necho 1")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if r := recv(t, ch); !r.OK() {
		t.Fatalf("result = %s", r)
	}

	if len(runner.commands) != 1 {
		t.Fatalf("commands = %q", runner.commands)
	}
	steps := strings.Split(runner.commands[0], " && ")
	if len(steps) != 5 {
		t.Fatalf("steps = %q", steps)
	}
	// both files land owned by root, never by the invoking user
	targets := []struct {
		mode, dest string
	}{
		{"0644", in.UnitPath},
		{"0755", in.ScriptPath},
	}
	for i, want := range targets {
		fields := strings.Fields(steps[i])
		if len(fields) != 9 ||
			strings.Join(fields[:7], " ") != "install -o root -g root -m "+want.mode ||
			!strings.HasPrefix(fields[7], in.TempDir) || fields[8] != want.dest {
			t.Errorf("step %d = %q", i, steps[i])
		}
	}
	if strings.Contains(runner.commands[0], "mv ") {
		t.Errorf("command moves user-owned files: %q", runner.commands[0])
	}
	if want := []string{"systemctl daemon-reload", "systemctl enable picocpuctl.service", "systemctl start picocpuctl.service"}; strings.Join(steps[2:], "|") != strings.Join(want, "|") {
		t.Errorf("systemctl steps = %q", steps[2:])
	}

	left, _ := os.ReadDir(in.TempDir)
	if len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}
}

func TestInstallRefusedWithoutSystemd(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Installer)
	}{
		{"openrc init", func(in *Installer) {
			_ = os.WriteFile(filepath.Join(in.Host.Root, "proc", "1", "comm"), []byte("openrc-init\n"), 0644)
		}},
		{"no systemctl", func(in *Installer) {
			in.LookPath = func(string) (string, error) { return "", errors.New("not found") }
		}},
		{"wsl", func(in *Installer) {
			in.Host.Getenv = func(k string) string {
				if k == "WSL_DISTRO_NAME" {
					return "Ubuntu"
				}
				return ""
			}
		}},
		{"offline", func(in *Installer) {
			in.SystemState = func(context.Context) (int, string, error) { return 4, "offline", nil }
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			in := testInstaller(t, runner, "systemd")
			tt.setup(in)

			if _, err := in.Install(context.Background(), "#!/bin/bash\n"); !errors.Is(err, ErrInitUnsupported) {
				t.Errorf("Install err = %v", err)
			}
			if _, err := in.Remove(context.Background()); !errors.Is(err, ErrInitUnsupported) {
				t.Errorf("Remove err = %v", err)
			}
			if len(runner.commands) != 0 {
				t.Errorf("commands ran: %q", runner.commands)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	runner := &fakeRunner{result: privileged.Result{Reason: privileged.ReasonCanceled, ExitCode: 126}}
	in := testInstaller(t, runner, "systemd")

	ch, err := in.Remove(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r := recv(t, ch); !r.Canceled() {
		t.Errorf("result = %s", r)
	}
	if !strings.HasPrefix(runner.commands[0], "systemctl stop picocpuctl.service && systemctl disable picocpuctl.service && rm ") {
		t.Errorf("command = %q", runner.commands[0])
	}
}

func TestInstalled(t *testing.T) {
	in := testInstaller(t, &fakeRunner{}, "systemd")
	if in.Installed() {
		t.Fatal("Installed with no files")
	}
	if err := os.MkdirAll(filepath.Dir(in.UnitPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(in.UnitPath, []byte(Unit(in.ScriptPath)), 0644); err != nil {
		t.Fatal(err)
	}
	if !in.Installed() {
		t.Error("Installed = false with unit present")
	}
}

func TestUnit(t *testing.T) {
	unit := Unit(ScriptPath)
	for _, want := range []string{"Type=oneshot", "ExecStart=" + ScriptPath, "RemainAfterExit=yes", "WantedBy=multi-user.target"} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}
