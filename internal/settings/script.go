package settings

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/sirupsen/logrus"
)

const scriptHeader = "#!/bin/bash\n"

// Commands renders every recorded value as writes against table, in the
// order frequency limits, governor, boost, TDP, PBO, EPB. A control whose
// files are missing is logged and skipped.
func Commands(t *sysfs.Table, a Applied, cores int, logger logrus.FieldLogger) ([]string, error) {
	var commands []string
	add := func(what string, cmds []string, err error) {
		if err != nil {
			logger.Errorf("%s: %v", what, err)
			return
		}
		commands = append(commands, cmds...)
	}

	limits := a.Limits()
	threads := make([]int, 0, len(limits))
	for thread := range limits {
		threads = append(threads, thread)
	}
	sort.Ints(threads)
	for _, thread := range threads {
		cmds, err := command.FrequencyLimits(t, map[int]command.Limit{thread: limits[thread]})
		add(fmt.Sprintf("Scaling min or max file for thread %d", thread), cmds, err)
	}

	if a.Governor != "" {
		cmds, err := command.Governor(t, a.Governor)
		add("Governor", cmds, err)
	}

	if a.Boost != nil {
		cmds, err := command.Boost(t, *a.Boost)
		add("Boost", cmds, err)
	}

	if a.TDP != nil {
		switch {
		case t.IntelTDP.Current != "":
			commands = append(commands, command.IntelTDPWrite(t, *a.TDP))
		case t.RyzenSMUDir != "":
			commands = append(commands, command.RyzenTDPWrite(t, *a.TDP)...)
		default:
			logger.Error("TDP file not found")
		}
	}

	if a.PBOOffset != nil {
		cmds, err := command.PBO(t, *a.PBOOffset, cores)
		if err == nil {
			cmds = []string{command.Join(cmds)}
		}
		add("PBO curve offset", cmds, err)
	}

	if a.EPB != "" {
		cmds, err := command.EPB(t, a.EPB)
		add("Energy perf bias", cmds, err)
	}

	if len(commands) == 0 {
		logger.Error("No commands generated to execute.")
		return nil, fmt.Errorf("boot script: %w", command.ErrNothingToApply)
	}
	return commands, nil
}

// Materialize builds the complete boot script. It always rewrites every
// recorded value from scratch.
func Materialize(t *sysfs.Table, a Applied, cores int, logger logrus.FieldLogger) (string, error) {
	commands, err := Commands(t, a, cores, logger)
	if err != nil {
		return "", err
	}
	return scriptHeader + strings.Join(commands, "\n"), nil
}
