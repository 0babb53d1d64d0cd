package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/CristiGvl/picoCPUCtl/internal/metrics"
	"github.com/CristiGvl/picoCPUCtl/internal/privileged"
	"github.com/CristiGvl/picoCPUCtl/internal/scheduler"
	"github.com/CristiGvl/picoCPUCtl/internal/settings"
	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/CristiGvl/picoCPUCtl/internal/topology"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// gatedRunner records commands and answers each run with the next result
// once release is called
type gatedRunner struct {
	mu       sync.Mutex
	commands []string
	pending  []chan privileged.Result
}

func (r *gatedRunner) Run(ctx context.Context, cmd string) <-chan privileged.Result {
	ch := make(chan privileged.Result, 1)
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.pending = append(r.pending, ch)
	r.mu.Unlock()
	return ch
}

func (r *gatedRunner) release(result privileged.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.pending[0]
	r.pending = r.pending[1:]
	ch <- result
	close(ch)
}

func (r *gatedRunner) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commands) == 0 {
		return ""
	}
	return r.commands[len(r.commands)-1]
}

type fakeMonitor struct {
	mu      sync.Mutex
	paused  bool
	resumes int
	boost   *bool
}

func (m *fakeMonitor) PauseControl() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

func (m *fakeMonitor) ResumeControl() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.resumes++
}

func (m *fakeMonitor) SetBoost(enabled *bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boost = enabled
}

func (m *fakeMonitor) state() (bool, int, *bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused, m.resumes, m.boost
}

type fakeInstaller struct {
	runner   *gatedRunner
	checkErr error
	scripts  []string
	removes  int
}

func (f *fakeInstaller) Check(context.Context) error { return f.checkErr }

func (f *fakeInstaller) Install(ctx context.Context, script string) (<-chan privileged.Result, error) {
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	f.scripts = append(f.scripts, script)
	return f.runner.Run(ctx, "install"), nil
}

func (f *fakeInstaller) Remove(ctx context.Context) (<-chan privileged.Result, error) {
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	f.removes++
	return f.runner.Run(ctx, "remove"), nil
}

func (f *fakeInstaller) Installed() bool { return len(f.scripts) > 0 }

type harness struct {
	ctl       *Controller
	runner    *gatedRunner
	monitor   *fakeMonitor
	store     *settings.Store
	installer *fakeInstaller
	boost     bool
}

func amdTable(threads int) *sysfs.Table {
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

func newHarness(t *testing.T, table *sysfs.Table) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	loop := scheduler.NewLoop(quietLogger())
	go loop.Run(ctx)

	cfg, err := config.Open(filepath.Join(t.TempDir(), "config.yaml"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		runner:  &gatedRunner{},
		monitor: &fakeMonitor{},
		store:   settings.NewStore(cfg, 4, quietLogger()),
		boost:   true,
	}
	h.installer = &fakeInstaller{runner: h.runner}
	h.ctl = New(Deps{
		Context:   ctx,
		Loop:      loop,
		Table:     table,
		Topology:  topology.Info{PhysicalCores: 2, VirtualThreads: 4, ModelName: "Test"},
		Settings:  config.Defaults(),
		Store:     h.store,
		Runner:    h.runner,
		Installer: h.installer,
		Monitor:   h.monitor,
		ReadBoost: func() *bool { b := h.boost; return &b },
		Metrics:   metrics.New(),
		Logger:    quietLogger(),
	})
	return h
}

func (h *harness) wait(t *testing.T, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := h.ctl.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

var (
	success  = privileged.Result{}
	canceled = privileged.Result{Reason: privileged.ReasonCanceled, ExitCode: 126}
	failed   = privileged.Result{Reason: privileged.ReasonSubprocess, Detail: "tee: permission denied", ExitCode: 1}
)

func TestGovernorRecordedOnSuccess(t *testing.T) {
	h := newHarness(t, amdTable(4))

	id, err := h.ctl.SetGovernor("performance")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.runner.last(), "echo performance | tee /sys/devices/system/cpu/cpu0/cpufreq/scaling_governor") {
		t.Errorf("command = %q", h.runner.last())
	}

	h.runner.release(success)
	j := h.wait(t, id)
	if j.Status != StatusSucceeded || j.Finished == nil {
		t.Errorf("job = %+v", j)
	}
	if got := h.store.Applied().Governor; got != "performance" {
		t.Errorf("recorded governor = %q", got)
	}
}

func TestFailureAndCancelRecordNothing(t *testing.T) {
	tests := []struct {
		name   string
		result privileged.Result
		status Status
	}{
		{"canceled", canceled, StatusCanceled},
		{"failed", failed, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, amdTable(4))
			id, err := h.ctl.SetPBOOffset(10)
			if err != nil {
				t.Fatal(err)
			}
			h.runner.release(tt.result)

			j := h.wait(t, id)
			if j.Status != tt.status {
				t.Errorf("status = %s, want %s", j.Status, tt.status)
			}
			if h.store.Applied().PBOOffset != nil {
				t.Error("pbo offset recorded after an unsuccessful run")
			}
			busy, err := h.ctl.Busy(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if busy[PBO] {
				t.Error("busy flag not cleared")
			}
		})
	}
}

func TestBusyRejectsSecondRequest(t *testing.T) {
	h := newHarness(t, amdTable(4))

	id, err := h.ctl.SetGovernor("powersave")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctl.SetGovernor("performance"); !errors.Is(err, ErrBusy) {
		t.Errorf("second request err = %v, want ErrBusy", err)
	}
	// other controls stay available
	other, err := h.ctl.SetTDP(25)
	if err != nil {
		t.Fatalf("SetTDP while governor busy: %v", err)
	}

	h.runner.release(success)
	h.runner.release(success)
	h.wait(t, id)
	h.wait(t, other)

	if _, err := h.ctl.SetGovernor("performance"); err != nil {
		t.Errorf("request after completion: %v", err)
	}
}

func TestBoostPausesAndRevertsOnCancel(t *testing.T) {
	h := newHarness(t, amdTable(4))

	id, err := h.ctl.SetBoost(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(h.runner.last(), "echo 0 | tee") {
		t.Errorf("toggle from on should write 0, got %q", h.runner.last())
	}
	if paused, _, _ := h.monitor.state(); !paused {
		t.Error("control task not paused during boost toggle")
	}

	h.runner.release(canceled)
	h.wait(t, id)

	paused, resumes, boost := h.monitor.state()
	if paused || resumes != 1 {
		t.Errorf("paused=%v resumes=%d", paused, resumes)
	}
	if boost == nil || !*boost {
		t.Errorf("boost after cancel = %v, want previous state (on)", boost)
	}
	if h.store.Applied().Boost != nil {
		t.Error("boost recorded after cancel")
	}
}

func TestBoostSuccess(t *testing.T) {
	h := newHarness(t, amdTable(4))
	off := false

	id, err := h.ctl.SetBoost(&off)
	if err != nil {
		t.Fatal(err)
	}
	h.runner.release(success)
	h.wait(t, id)

	_, resumes, boost := h.monitor.state()
	if resumes != 1 || boost == nil || *boost {
		t.Errorf("resumes=%d boost=%v", resumes, boost)
	}
	if b := h.store.Applied().Boost; b == nil || *b {
		t.Errorf("recorded boost = %v", b)
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t, amdTable(4))

	tests := []struct {
		name string
		call func() (string, error)
		want error
	}{
		{"no threads", func() (string, error) { return h.ctl.SetFrequencyLimits(nil) }, ErrInvalid},
		{"thread out of range", func() (string, error) {
			return h.ctl.SetFrequencyLimits(map[int]command.Limit{9: {MinMHz: 800, MaxMHz: 3000}})
		}, ErrInvalid},
		{"min above max", func() (string, error) {
			return h.ctl.SetFrequencyLimits(map[int]command.Limit{0: {MinMHz: 3000, MaxMHz: 800}})
		}, ErrInvalid},
		{"above clock scale", func() (string, error) {
			return h.ctl.SetFrequencyLimits(map[int]command.Limit{0: {MinMHz: 800, MaxMHz: 7000}})
		}, ErrInvalid},
		{"unknown governor", func() (string, error) { return h.ctl.SetGovernor("turbo") }, ErrInvalid},
		{"tdp too high", func() (string, error) { return h.ctl.SetTDP(500) }, ErrInvalid},
		{"pbo too deep", func() (string, error) { return h.ctl.SetPBOOffset(31) }, ErrInvalid},
		{"bad epb", func() (string, error) { return h.ctl.SetEPB("3 - Custom") }, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnavailableWithoutHardware(t *testing.T) {
	table := amdTable(4)
	table.RyzenSMUDir = ""
	h := newHarness(t, table)

	if _, err := h.ctl.SetTDP(25); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SetTDP err = %v", err)
	}
	if _, err := h.ctl.SetPBOOffset(5); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SetPBOOffset err = %v", err)
	}
	if _, err := h.ctl.SetEPB("6 - Normal"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SetEPB err = %v", err)
	}
}

func TestFrequencyLimits(t *testing.T) {
	h := newHarness(t, amdTable(4))
	limits := map[int]command.Limit{1: {MinMHz: 800, MaxMHz: 3200}}

	id, err := h.ctl.SetFrequencyLimits(limits)
	if err != nil {
		t.Fatal(err)
	}
	want := "echo 3200000 | tee /sys/devices/system/cpu/cpu1/cpufreq/scaling_max_freq > /dev/null && " +
		"echo 800000 | tee /sys/devices/system/cpu/cpu1/cpufreq/scaling_min_freq > /dev/null"
	if got := h.runner.last(); got != want {
		t.Errorf("command = %q\nwant %q", got, want)
	}

	h.runner.release(success)
	h.wait(t, id)
	applied := h.store.Applied()
	if applied.MinSpeeds[1] != 800 || applied.MaxSpeeds[1] != 3200 {
		t.Errorf("recorded = %+v", applied)
	}
}

func TestApplyOnBoot(t *testing.T) {
	h := newHarness(t, amdTable(4))

	if _, err := h.ctl.SetApplyOnBoot(true); !errors.Is(err, ErrUnavailable) {
		t.Errorf("install with nothing applied: %v", err)
	}

	id, err := h.ctl.SetGovernor("performance")
	if err != nil {
		t.Fatal(err)
	}
	h.runner.release(success)
	h.wait(t, id)

	id, err = h.ctl.SetApplyOnBoot(true)
	if err != nil {
		t.Fatal(err)
	}
	h.runner.release(success)
	if j := h.wait(t, id); j.Status != StatusSucceeded {
		t.Errorf("job = %+v", j)
	}
	if len(h.installer.scripts) != 1 || !strings.HasPrefix(h.installer.scripts[0], "#!/bin/bash\n") {
		t.Errorf("scripts = %q", h.installer.scripts)
	}
	if !h.ctl.ApplyOnBoot() {
		t.Error("ApplyOnBoot = false after install")
	}
}

func TestApplyOnBootRefused(t *testing.T) {
	h := newHarness(t, amdTable(4))
	h.installer.checkErr = settings.ErrInitUnsupported

	if _, err := h.ctl.SetApplyOnBoot(false); !errors.Is(err, settings.ErrInitUnsupported) {
		t.Fatalf("err = %v", err)
	}

	if h.installer.removes != 0 {
		t.Errorf("Remove ran %d times after refusal", h.installer.removes)
	}

	// refused before any job or busy flag exists
	busy, err := h.ctl.Busy(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if busy[Boot] {
		t.Error("boot busy after refusal")
	}
	var jobs int
	if err := h.ctl.d.Loop.Do(context.Background(), func() { jobs = len(h.ctl.jobs) }); err != nil {
		t.Fatal(err)
	}
	if jobs != 0 {
		t.Errorf("%d jobs created by a refused request", jobs)
	}
}

func TestJobNotFound(t *testing.T) {
	h := newHarness(t, amdTable(4))
	if _, err := h.ctl.Job(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job err = %v", err)
	}
	if _, err := h.ctl.Wait(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Wait err = %v", err)
	}
}
