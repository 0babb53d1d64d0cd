package config

import (
	"strconv"
	"strings"
	"time"
)

// Scheduler interval bounds
const (
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 20 * time.Second
	DefaultInterval = time.Second
)

// Settings is the typed view of the Settings section
type Settings struct {
	ClockMin         int     `json:"clock_scale_minimum"`
	ClockMax         int     `json:"clock_scale_maximum"`
	TDPMin           int     `json:"tdp_scale_minimum"`
	TDPMax           int     `json:"tdp_scale_maximum"`
	PBOMin           int     `json:"pbo_scale_minimum"`
	PBOMax           int     `json:"pbo_scale_maximum"`
	UpdateInterval   float64 `json:"update_interval"`
	DisplayGHz       bool    `json:"display_ghz"`
	LoggingLevel     string  `json:"logging_level"`
	ElevationCommand string  `json:"elevation_command"`
}

// Defaults returns the settings used when the file has none
func Defaults() Settings {
	return Settings{
		ClockMin:         1,
		ClockMax:         6000,
		TDPMin:           1,
		TDPMax:           400,
		PBOMin:           0,
		PBOMax:           30,
		UpdateInterval:   DefaultInterval.Seconds(),
		LoggingLevel:     "WARNING",
		ElevationCommand: "pkexec",
	}
}

// LoadSettings reads the Settings section over the defaults
func LoadSettings(s *Store) Settings {
	d := Defaults()
	return Settings{
		ClockMin:         s.Int(SectionSettings, "clock_scale_minimum", d.ClockMin),
		ClockMax:         s.Int(SectionSettings, "clock_scale_maximum", d.ClockMax),
		TDPMin:           s.Int(SectionSettings, "tdp_scale_minimum", d.TDPMin),
		TDPMax:           s.Int(SectionSettings, "tdp_scale_maximum", d.TDPMax),
		PBOMin:           s.Int(SectionSettings, "pbo_scale_minimum", d.PBOMin),
		PBOMax:           s.Int(SectionSettings, "pbo_scale_maximum", d.PBOMax),
		UpdateInterval:   s.Float(SectionSettings, "update_interval", d.UpdateInterval),
		DisplayGHz:       s.Bool(SectionSettings, "display_ghz", d.DisplayGHz),
		LoggingLevel:     strings.ToUpper(s.Get(SectionSettings, "logging_level", d.LoggingLevel)),
		ElevationCommand: s.Get(SectionSettings, "elevation_command", d.ElevationCommand),
	}
}

// SaveDefaults writes every setting that is not in the file yet
func SaveDefaults(s *Store) error {
	d := Defaults()
	all := map[string]string{
		"clock_scale_minimum": strconv.Itoa(d.ClockMin),
		"clock_scale_maximum": strconv.Itoa(d.ClockMax),
		"tdp_scale_minimum":   strconv.Itoa(d.TDPMin),
		"tdp_scale_maximum":   strconv.Itoa(d.TDPMax),
		"pbo_scale_minimum":   strconv.Itoa(d.PBOMin),
		"pbo_scale_maximum":   strconv.Itoa(d.PBOMax),
		"update_interval":     FormatSeconds(d.UpdateInterval),
		"display_ghz":         FormatBool(d.DisplayGHz),
		"logging_level":       d.LoggingLevel,
		"elevation_command":   d.ElevationCommand,
	}

	missing := make(map[string]string)
	for k, v := range all {
		if !s.Has(SectionSettings, k) {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return s.SetMany(SectionSettings, missing)
}

// Interval returns the update interval clamped to the scheduler bounds
func (s Settings) Interval() time.Duration {
	return ClampInterval(time.Duration(s.UpdateInterval * float64(time.Second)))
}

// ClampInterval bounds d to MinInterval..MaxInterval; zero or negative
// means the default
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	default:
		return d
	}
}

// Elevator splits the elevation command into argv. "none" or an empty
// value runs commands unelevated.
func (s Settings) Elevator() []string {
	cmd := strings.TrimSpace(s.ElevationCommand)
	if cmd == "" || strings.EqualFold(cmd, "none") {
		return nil
	}
	return strings.Fields(cmd)
}

// FormatBool renders the True/False spelling used in the file
func FormatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// FormatSeconds renders an interval in seconds with the fewest digits that
// read back as the same value
func FormatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
