package control

import (
	"errors"
	"fmt"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/privileged"
	"github.com/CristiGvl/picoCPUCtl/internal/settings"
)

// SetFrequencyLimits writes min and max speeds for the given threads
func (c *Controller) SetFrequencyLimits(limits map[int]command.Limit) (string, error) {
	if len(limits) == 0 {
		return "", fmt.Errorf("at least one thread is needed to apply speed limits: %w", ErrInvalid)
	}
	for thread, l := range limits {
		if thread < 0 || thread >= c.d.Topology.VirtualThreads {
			return "", fmt.Errorf("thread %d out of range: %w", thread, ErrInvalid)
		}
		if l.MinMHz < 0 || l.MinMHz > l.MaxMHz || l.MaxMHz > float64(c.d.Settings.ClockMax) {
			return "", fmt.Errorf("thread %d: speeds must satisfy 0 <= min <= max <= %d MHz: %w",
				thread, c.d.Settings.ClockMax, ErrInvalid)
		}
	}

	commands, err := command.FrequencyLimits(c.d.Table, limits)
	if err != nil {
		return "", classify(err)
	}

	return c.start(Frequency, commands, hooks{
		onSuccess: func() error { return c.d.Store.RecordFrequency(limits) },
	})
}

// SetGovernor switches every thread to governor
func (c *Controller) SetGovernor(governor string) (string, error) {
	commands, err := command.Governor(c.d.Table, governor)
	if err != nil {
		return "", classify(err)
	}
	return c.start(Governor, commands, hooks{
		onSuccess: func() error { return c.d.Store.RecordGovernor(governor) },
	})
}

// SetBoost enables or disables boost. A nil enabled toggles the current
// state. The control task is paused for the duration and the published
// boost state only changes on success.
func (c *Controller) SetBoost(enabled *bool) (string, error) {
	previous := c.d.ReadBoost()

	var target bool
	switch {
	case enabled != nil:
		target = *enabled
	case previous != nil:
		target = !*previous
	default:
		return "", fmt.Errorf("boost state unknown: %w", ErrUnavailable)
	}

	commands, err := command.Boost(c.d.Table, target)
	if err != nil {
		return "", classify(err)
	}

	return c.start(Boost, commands, hooks{
		before: c.pauseControl,
		onSuccess: func() error {
			if c.d.Monitor != nil {
				c.d.Monitor.SetBoost(&target)
			}
			return c.d.Store.RecordBoost(target)
		},
		after: func(r privileged.Result) {
			if !r.OK() && c.d.Monitor != nil {
				c.d.Monitor.SetBoost(previous)
			}
			c.resumeControl()
		},
	})
}

func (c *Controller) pauseControl() {
	if c.d.Monitor != nil {
		c.d.Monitor.PauseControl()
	}
}

func (c *Controller) resumeControl() {
	if c.d.Monitor != nil {
		c.d.Monitor.ResumeControl()
	}
}

// SetTDP sets the package power limit in watts through RAPL on Intel or
// ryzen_smu_drv on AMD
func (c *Controller) SetTDP(watts float64) (string, error) {
	if watts < float64(c.d.Settings.TDPMin) || watts > float64(c.d.Settings.TDPMax) {
		return "", fmt.Errorf("tdp %.1f W outside %d..%d W: %w", watts, c.d.Settings.TDPMin, c.d.Settings.TDPMax, ErrInvalid)
	}

	var (
		commands []string
		value    int64
		err      error
	)
	switch {
	case c.d.Table.IntelTDP.Current != "":
		commands, value, err = command.IntelTDP(c.d.Table, watts)
	case c.d.Table.RyzenSMUDir != "":
		commands, value, err = command.RyzenTDP(c.d.Table, watts)
	default:
		err = fmt.Errorf("tdp: %w", command.ErrNothingToApply)
	}
	if err != nil {
		return "", classify(err)
	}

	return c.start(TDP, commands, hooks{
		onSuccess: func() error { return c.d.Store.RecordTDP(value) },
	})
}

// SetPBOOffset applies a negative curve offset of magnitude to every
// physical core
func (c *Controller) SetPBOOffset(magnitude int) (string, error) {
	if magnitude < c.d.Settings.PBOMin || magnitude > c.d.Settings.PBOMax {
		return "", fmt.Errorf("pbo offset %d outside %d..%d: %w", magnitude, c.d.Settings.PBOMin, c.d.Settings.PBOMax, ErrInvalid)
	}
	commands, err := command.PBO(c.d.Table, magnitude, c.d.Topology.PhysicalCores)
	if err != nil {
		return "", classify(err)
	}
	return c.start(PBO, commands, hooks{
		onSuccess: func() error { return c.d.Store.RecordPBOOffset(magnitude) },
	})
}

// SetEPB writes an energy_perf_bias token such as "6 - Normal"
func (c *Controller) SetEPB(token string) (string, error) {
	commands, err := command.EPB(c.d.Table, token)
	if err != nil {
		return "", classify(err)
	}
	return c.start(EPB, commands, hooks{
		onSuccess: func() error { return c.d.Store.RecordEPB(token) },
	})
}

// SetApplyOnBoot installs the boot service with the recorded settings, or
// removes it
func (c *Controller) SetApplyOnBoot(enabled bool) (string, error) {
	if c.d.Installer == nil {
		return "", fmt.Errorf("boot: %w", ErrUnavailable)
	}

	var script string
	if enabled {
		var err error
		script, err = settings.Materialize(c.d.Table, c.d.Store.Applied(), c.d.Topology.PhysicalCores, c.d.Logger)
		if err != nil {
			return "", classify(err)
		}
	}

	// refuse before a job exists
	if err := c.d.Installer.Check(c.d.Context); err != nil {
		return "", err
	}

	j, err := c.acquire(Boot, nil)
	if err != nil {
		return "", err
	}

	var results <-chan privileged.Result
	if enabled {
		results, err = c.d.Installer.Install(c.d.Context, script)
	} else {
		results, err = c.d.Installer.Remove(c.d.Context)
	}
	if err != nil {
		c.abort(j, err)
		if errors.Is(err, settings.ErrInitUnsupported) {
			return "", err
		}
		return "", fmt.Errorf("boot: %w", err)
	}

	c.watch(j, results, hooks{})
	return j.ID, nil
}

// ApplyOnBoot reports whether the boot service is installed
func (c *Controller) ApplyOnBoot() bool {
	return c.d.Installer != nil && c.d.Installer.Installed()
}
