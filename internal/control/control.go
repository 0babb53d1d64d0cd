// Package control applies CPU control changes through the privileged
// executor and tracks each run as a job.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/CristiGvl/picoCPUCtl/internal/metrics"
	"github.com/CristiGvl/picoCPUCtl/internal/privileged"
	"github.com/CristiGvl/picoCPUCtl/internal/scheduler"
	"github.com/CristiGvl/picoCPUCtl/internal/settings"
	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/CristiGvl/picoCPUCtl/internal/topology"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned while the same control has a job in flight
	ErrBusy = errors.New("control is busy")
	// ErrInvalid is returned for values outside the configured bounds
	ErrInvalid = errors.New("invalid control value")
	// ErrUnavailable is returned when the hardware lacks the control files
	ErrUnavailable = errors.New("control unavailable on this system")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
)

// maxFinishedJobs bounds how many finished jobs are kept for lookup
const maxFinishedJobs = 64

// Control names one adjustable setting
type Control string

const (
	Frequency Control = "frequency"
	Governor  Control = "governor"
	Boost     Control = "boost"
	TDP       Control = "tdp"
	PBO       Control = "pbo"
	EPB       Control = "epb"
	Boot      Control = "boot"
)

// Status is the state of a job
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Job describes one privileged run
type Job struct {
	ID       string     `json:"id"`
	Control  Control    `json:"control"`
	Status   Status     `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	Error    string     `json:"error,omitempty"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
}

type job struct {
	Job
	done chan struct{}
}

// BootInstaller installs and removes the apply-on-boot service
type BootInstaller interface {
	Check(ctx context.Context) error
	Install(ctx context.Context, script string) (<-chan privileged.Result, error)
	Remove(ctx context.Context) (<-chan privileged.Result, error)
	Installed() bool
}

// BoostMonitor is the part of the monitor the boost toggle drives
type BoostMonitor interface {
	PauseControl()
	ResumeControl()
	SetBoost(enabled *bool)
}

// Deps are the collaborators of a Controller
type Deps struct {
	// Context bounds every privileged run; request contexts do not
	Context   context.Context
	Loop      *scheduler.Loop
	Table     *sysfs.Table
	Topology  topology.Info
	Settings  config.Settings
	Store     *settings.Store
	Runner    settings.Runner
	Installer BootInstaller
	Monitor   BoostMonitor
	// ReadBoost returns the current boost state, nil when unknown
	ReadBoost func() *bool
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
}

// Controller applies control changes. Busy flags, jobs and recorded
// settings are only touched on the main loop.
type Controller struct {
	d Deps

	busy     map[Control]bool
	jobs     map[string]*job
	finished []string
}

// New creates a controller
func New(d Deps) *Controller {
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.ReadBoost == nil {
		d.ReadBoost = func() *bool { return nil }
	}
	return &Controller{
		d:    d,
		busy: make(map[Control]bool),
		jobs: make(map[string]*job),
	}
}

// hooks customize a job's lifecycle. All hooks run on the main loop.
type hooks struct {
	before    func()
	onSuccess func() error
	after     func(privileged.Result)
}

// classify maps encoder errors onto the controller's sentinels
func classify(err error) error {
	switch {
	case errors.Is(err, command.ErrNothingToApply):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, command.ErrInvalidValue):
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return err
}

// acquire marks control busy and registers a running job. It does not
// take the request context: once queued, the registration must complete
// so the flag is always paired with a job.
func (c *Controller) acquire(control Control, before func()) (*job, error) {
	var (
		j   *job
		err error
	)
	doErr := c.d.Loop.Do(context.Background(), func() {
		if c.busy[control] {
			err = fmt.Errorf("%s: %w", control, ErrBusy)
			return
		}
		c.busy[control] = true
		j = &job{
			Job: Job{
				ID:      uuid.NewString(),
				Control: control,
				Status:  StatusRunning,
				Started: time.Now(),
			},
			done: make(chan struct{}),
		}
		c.jobs[j.ID] = j
		if before != nil {
			before()
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	return j, err
}

// start runs commands for control and returns the job id
func (c *Controller) start(control Control, commands []string, h hooks) (string, error) {
	j, err := c.acquire(control, h.before)
	if err != nil {
		return "", err
	}
	c.d.Logger.Infof("Applying %s", control)
	c.watch(j, c.d.Runner.Run(c.d.Context, command.Join(commands)), h)
	return j.ID, nil
}

// watch waits for the run outcome and hands it to the main loop
func (c *Controller) watch(j *job, results <-chan privileged.Result, h hooks) {
	go func() {
		r, ok := <-results
		if !ok {
			r = privileged.Result{Reason: privileged.ReasonUnexpected, Detail: "no result"}
		}
		if !c.d.Loop.Post(func() { c.finish(j, r, h) }) {
			close(j.done)
		}
	}()
}

// finish clears the busy flag in every path and records the setting only
// on success
func (c *Controller) finish(j *job, r privileged.Result, h hooks) {
	defer close(j.done)
	c.busy[j.Control] = false

	now := time.Now()
	j.Finished = &now
	switch {
	case r.OK():
		j.Status = StatusSucceeded
		c.d.Logger.Infof("Applied %s", j.Control)
		if h.onSuccess != nil {
			if err := h.onSuccess(); err != nil {
				c.d.Logger.Errorf("Error saving the applied %s setting: %v", j.Control, err)
			}
		}
	case r.Canceled():
		j.Status = StatusCanceled
		j.Reason = string(r.Reason)
		c.d.Logger.Infof("User canceled the %s prompt.", j.Control)
	default:
		j.Status = StatusFailed
		j.Reason = string(r.Reason)
		j.Error = r.String()
		c.d.Logger.Errorf("Failed to apply %s: %s", j.Control, r)
	}

	if h.after != nil {
		h.after(r)
	}
	if c.d.Metrics != nil {
		c.d.Metrics.ObserveJob(string(j.Control), string(j.Status))
	}
	c.retire(j.ID)
}

// abort fails a job that never started a run
func (c *Controller) abort(j *job, err error) {
	r := privileged.Result{Reason: privileged.ReasonUnexpected, Detail: err.Error()}
	if !c.d.Loop.Post(func() { c.finish(j, r, hooks{}) }) {
		close(j.done)
	}
}

func (c *Controller) retire(id string) {
	c.finished = append(c.finished, id)
	for len(c.finished) > maxFinishedJobs {
		delete(c.jobs, c.finished[0])
		c.finished = c.finished[1:]
	}
}

// Job returns a copy of the job with id
func (c *Controller) Job(ctx context.Context, id string) (Job, error) {
	var (
		out   Job
		found bool
	)
	if err := c.d.Loop.Do(ctx, func() {
		if j, ok := c.jobs[id]; ok {
			out, found = j.Job, true
		}
	}); err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return out, nil
}

// Wait blocks until the job with id finishes or ctx ends
func (c *Controller) Wait(ctx context.Context, id string) (Job, error) {
	var done chan struct{}
	if err := c.d.Loop.Do(ctx, func() {
		if j, ok := c.jobs[id]; ok {
			done = j.done
		}
	}); err != nil {
		return Job{}, err
	}
	if done == nil {
		return Job{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	return c.Job(ctx, id)
}

// Busy reports which controls have a job in flight
func (c *Controller) Busy(ctx context.Context) (map[Control]bool, error) {
	out := make(map[Control]bool)
	err := c.d.Loop.Do(ctx, func() {
		for control, busy := range c.busy {
			if busy {
				out[control] = true
			}
		}
	})
	return out, err
}
