// Package metrics exposes the live CPU readings as prometheus gauges.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/CristiGvl/picoCPUCtl/internal/cpu"
	"github.com/CristiGvl/picoCPUCtl/internal/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "picocpuctl"

// Metrics holds the collectors registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	speed       *prometheus.GaugeVec
	load        *prometheus.GaugeVec
	averageLoad prometheus.Gauge
	averageMHz  prometheus.Gauge
	packageTemp prometheus.Gauge
	throttling  prometheus.Gauge
	boost       prometheus.Gauge
	memory      *prometheus.GaugeVec
	jobs        *prometheus.CounterVec
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		speed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "thread_speed_mhz",
				Help:      "Current frequency of each thread in MHz",
			},
			[]string{"thread"},
		),
		load: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "thread_load_percent",
				Help:      "Busy percentage of each thread since the previous sample",
			},
			[]string{"thread"},
		),
		averageLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_load_percent",
			Help:      "Average busy percentage across threads",
		}),
		averageMHz: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_speed_mhz",
			Help:      "Average frequency across threads in MHz",
		}),
		packageTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_temp_celsius",
			Help:      "CPU package temperature in Celsius",
		}),
		throttling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttling",
			Help:      "1 when the package throttle time grew since the previous sample",
		}),
		boost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "boost_enabled",
			Help:      "1 when CPU boost is enabled",
		}),
		memory: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_mb",
				Help:      "Memory usage in MB",
			},
			[]string{"type"},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_jobs_total",
				Help:      "Privileged control jobs by control and outcome",
			},
			[]string{"control", "status"},
		),
	}

	m.registry.MustRegister(
		m.speed, m.load, m.averageLoad, m.averageMHz,
		m.packageTemp, m.throttling, m.boost, m.memory, m.jobs,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSample updates the CPU gauges
func (m *Metrics) ObserveSample(s *cpu.Sample) {
	if s == nil {
		return
	}
	for thread, mhz := range s.SpeedsMHz {
		m.speed.With(prometheus.Labels{"thread": strconv.Itoa(thread)}).Set(mhz)
	}
	for thread, pct := range s.Loads {
		m.load.With(prometheus.Labels{"thread": strconv.Itoa(thread)}).Set(pct)
	}
	m.averageLoad.Set(s.AverageLoad)
	m.averageMHz.Set(s.AverageMHz)
	if s.PackageTemp != nil {
		m.packageTemp.Set(*s.PackageTemp)
	}
	m.throttling.Set(boolValue(s.Throttling))
}

// ObserveBoost updates the boost gauge; unknown state is left alone
func (m *Metrics) ObserveBoost(enabled *bool) {
	if enabled != nil {
		m.boost.Set(boolValue(*enabled))
	}
}

// ObserveMemory updates the memory gauges
func (m *Metrics) ObserveMemory(info *memory.Info) {
	if info == nil {
		return
	}
	m.memory.With(prometheus.Labels{"type": "used"}).Set(float64(info.Used))
	m.memory.With(prometheus.Labels{"type": "total"}).Set(float64(info.Total))
	m.memory.With(prometheus.Labels{"type": "swap_used"}).Set(float64(info.SwapUsed))
	m.memory.With(prometheus.Labels{"type": "swap_total"}).Set(float64(info.SwapTotal))
}

// ObserveJob counts a finished control job
func (m *Metrics) ObserveJob(control, status string) {
	m.jobs.With(prometheus.Labels{"control": control, "status": status}).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
