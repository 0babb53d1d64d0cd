// Package settings records the control values that were applied
// successfully and turns them into a boot-time script and systemd unit.
package settings

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/sirupsen/logrus"
)

// Keys of the AppliedSettings section
const (
	keyMinSpeed  = "min_speed_thread_"
	keyMaxSpeed  = "max_speed_thread_"
	keyGovernor  = "governor"
	keyBoost     = "boost"
	keyTDP       = "tdp"
	keyPBOOffset = "pbo_offset"
	keyEPB       = "epb"
)

// Applied is the last successfully applied value of each control. TDP is
// in µW on Intel and mW on AMD.
type Applied struct {
	MinSpeeds map[int]float64 `json:"min_speeds,omitempty"`
	MaxSpeeds map[int]float64 `json:"max_speeds,omitempty"`
	Governor  string          `json:"governor,omitempty"`
	Boost     *bool           `json:"boost,omitempty"`
	TDP       *int64          `json:"tdp,omitempty"`
	PBOOffset *int            `json:"pbo_offset,omitempty"`
	EPB       string          `json:"epb,omitempty"`
}

// Empty reports whether nothing has been applied yet
func (a Applied) Empty() bool {
	return len(a.MinSpeeds) == 0 && len(a.MaxSpeeds) == 0 && a.Governor == "" &&
		a.Boost == nil && a.TDP == nil && a.PBOOffset == nil && a.EPB == ""
}

// Clone returns a deep copy
func (a Applied) Clone() Applied {
	out := a
	out.MinSpeeds = maps.Clone(a.MinSpeeds)
	out.MaxSpeeds = maps.Clone(a.MaxSpeeds)
	if a.Boost != nil {
		v := *a.Boost
		out.Boost = &v
	}
	if a.TDP != nil {
		v := *a.TDP
		out.TDP = &v
	}
	if a.PBOOffset != nil {
		v := *a.PBOOffset
		out.PBOOffset = &v
	}
	return out
}

// Limits pairs the recorded min and max speeds. Threads missing either
// side are left out.
func (a Applied) Limits() map[int]command.Limit {
	limits := make(map[int]command.Limit)
	for thread, hi := range a.MaxSpeeds {
		if lo, ok := a.MinSpeeds[thread]; ok {
			limits[thread] = command.Limit{MinMHz: lo, MaxMHz: hi}
		}
	}
	return limits
}

// Store keeps Applied in memory and mirrors every change to the
// AppliedSettings section of the config file
type Store struct {
	cfg    *config.Store
	logger logrus.FieldLogger

	mu      sync.Mutex
	applied Applied
}

// NewStore loads the recorded values for threads CPU threads
func NewStore(cfg *config.Store, threads int, logger logrus.FieldLogger) *Store {
	s := &Store{cfg: cfg, logger: logger}
	s.applied = decode(cfg.Section(config.SectionApplied), threads, logger)
	logger.Info("Applied settings loaded from config.")
	return s
}

// Applied returns a copy of the recorded values
func (s *Store) Applied() Applied {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied.Clone()
}

// RecordFrequency stores per-thread limits in MHz
func (s *Store) RecordFrequency(limits map[int]command.Limit) error {
	return s.update(func(a *Applied) {
		if a.MinSpeeds == nil {
			a.MinSpeeds = make(map[int]float64)
		}
		if a.MaxSpeeds == nil {
			a.MaxSpeeds = make(map[int]float64)
		}
		for thread, limit := range limits {
			a.MinSpeeds[thread] = limit.MinMHz
			a.MaxSpeeds[thread] = limit.MaxMHz
		}
	})
}

// RecordGovernor stores the governor name
func (s *Store) RecordGovernor(governor string) error {
	return s.update(func(a *Applied) { a.Governor = governor })
}

// RecordBoost stores the boost state
func (s *Store) RecordBoost(enabled bool) error {
	return s.update(func(a *Applied) { a.Boost = &enabled })
}

// RecordTDP stores the power limit in the vendor's unit
func (s *Store) RecordTDP(value int64) error {
	return s.update(func(a *Applied) { a.TDP = &value })
}

// RecordPBOOffset stores the curve offset magnitude
func (s *Store) RecordPBOOffset(magnitude int) error {
	return s.update(func(a *Applied) { a.PBOOffset = &magnitude })
}

// RecordEPB stores the energy perf bias token
func (s *Store) RecordEPB(token string) error {
	return s.update(func(a *Applied) { a.EPB = token })
}

func (s *Store) update(fn func(*Applied)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.applied)
	if err := s.cfg.ReplaceSection(config.SectionApplied, encode(s.applied)); err != nil {
		s.logger.Errorf("Failed to save applied settings: %v", err)
		return fmt.Errorf("failed to save applied settings: %w", err)
	}
	s.logger.Info("Applied settings saved to config successfully.")
	return nil
}

func encode(a Applied) map[string]string {
	values := make(map[string]string)
	for thread, speed := range a.MinSpeeds {
		values[keyMinSpeed+strconv.Itoa(thread)] = strconv.FormatFloat(speed, 'f', -1, 64)
	}
	for thread, speed := range a.MaxSpeeds {
		values[keyMaxSpeed+strconv.Itoa(thread)] = strconv.FormatFloat(speed, 'f', -1, 64)
	}
	if a.Governor != "" {
		values[keyGovernor] = a.Governor
	}
	if a.Boost != nil {
		values[keyBoost] = config.FormatBool(*a.Boost)
	}
	if a.TDP != nil {
		values[keyTDP] = strconv.FormatInt(*a.TDP, 10)
	}
	if a.PBOOffset != nil {
		values[keyPBOOffset] = strconv.Itoa(*a.PBOOffset)
	}
	if a.EPB != "" {
		values[keyEPB] = a.EPB
	}
	return values
}

func decode(values map[string]string, threads int, logger logrus.FieldLogger) Applied {
	var a Applied

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := values[key]
		switch {
		case strings.HasPrefix(key, keyMinSpeed):
			if thread, speed, ok := threadSpeed(key, keyMinSpeed, raw, threads); ok {
				if a.MinSpeeds == nil {
					a.MinSpeeds = make(map[int]float64)
				}
				a.MinSpeeds[thread] = speed
				continue
			}
		case strings.HasPrefix(key, keyMaxSpeed):
			if thread, speed, ok := threadSpeed(key, keyMaxSpeed, raw, threads); ok {
				if a.MaxSpeeds == nil {
					a.MaxSpeeds = make(map[int]float64)
				}
				a.MaxSpeeds[thread] = speed
				continue
			}
		case key == keyGovernor:
			a.Governor = raw
			continue
		case key == keyBoost:
			if v, err := strconv.ParseBool(strings.ToLower(raw)); err == nil {
				a.Boost = &v
				continue
			}
		case key == keyTDP:
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				a.TDP = &v
				continue
			}
		case key == keyPBOOffset:
			if v, err := strconv.Atoi(raw); err == nil {
				a.PBOOffset = &v
				continue
			}
		case key == keyEPB:
			a.EPB = raw
			continue
		}
		logger.Warnf("Ignoring applied setting %s=%q", key, raw)
	}
	return a
}

func threadSpeed(key, prefix, raw string, threads int) (int, float64, bool) {
	thread, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil || thread < 0 || (threads > 0 && thread >= threads) {
		return 0, 0, false
	}
	speed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, 0, false
	}
	return thread, speed, true
}
