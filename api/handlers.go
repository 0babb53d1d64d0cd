package api

import (
	"context"
	"errors"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/command"
	"github.com/CristiGvl/picoCPUCtl/internal/control"
	"github.com/CristiGvl/picoCPUCtl/internal/settings"
	"github.com/gofiber/fiber/v2"
)

// waitTimeout bounds ?wait=true requests; an authentication prompt can
// stay open for a while
const waitTimeout = 5 * time.Minute

func errorJSON(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// controlError maps controller errors onto HTTP statuses
func controlError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, control.ErrBusy):
		return errorJSON(c, fiber.StatusConflict, err)
	case errors.Is(err, control.ErrInvalid),
		errors.Is(err, control.ErrUnavailable),
		errors.Is(err, settings.ErrInitUnsupported):
		return errorJSON(c, fiber.StatusUnprocessableEntity, err)
	case errors.Is(err, control.ErrJobNotFound):
		return errorJSON(c, fiber.StatusNotFound, err)
	}
	return errorJSON(c, fiber.StatusInternalServerError, err)
}

// accepted answers 202 with the job, or waits for it with ?wait=true
func (s *Server) accepted(c *fiber.Ctx, id string, err error) error {
	if err != nil {
		return controlError(c, err)
	}

	if !c.QueryBool("wait") {
		job, err := s.ctx.Control.Job(c.UserContext(), id)
		if err != nil {
			return controlError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(job)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), waitTimeout)
	defer cancel()
	job, err := s.ctx.Control.Wait(ctx, id)
	if err != nil {
		return controlError(c, err)
	}
	return c.JSON(job)
}

// CPU endpoint
func (s *Server) getCPU(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := s.ctx.CPU.GetInfo(ctx)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}

	return c.JSON(info)
}

// Live readings endpoint
func (s *Server) getLive(c *fiber.Ctx) error {
	return c.JSON(s.ctx.Monitor.Snapshot())
}

// Capabilities endpoint
func (s *Server) getCapabilities(c *fiber.Ctx) error {
	busy, err := s.ctx.Control.Busy(c.UserContext())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(fiber.Map{
		"profile":       s.ctx.Table.Profile(),
		"topology":      s.ctx.Topology,
		"governors":     command.Governors,
		"epb":           command.EPBTokens,
		"apply_on_boot": s.ctx.Control.ApplyOnBoot(),
		"busy":          busy,
	})
}

// Memory endpoint
func (s *Server) getMemory(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := s.ctx.Memory.GetInfo(ctx)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}

	return c.JSON(info)
}

// Temperature endpoint
func (s *Server) getTemps(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := s.ctx.Temps.GetInfo(ctx)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}

	return c.JSON(info)
}

func (s *Server) setFrequency(c *fiber.Ctx) error {
	var req struct {
		Limits map[int]command.Limit `json:"limits"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	id, err := s.ctx.Control.SetFrequencyLimits(req.Limits)
	return s.accepted(c, id, err)
}

func (s *Server) setGovernor(c *fiber.Ctx) error {
	var req struct {
		Governor string `json:"governor"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	id, err := s.ctx.Control.SetGovernor(req.Governor)
	return s.accepted(c, id, err)
}

func (s *Server) setBoost(c *fiber.Ctx) error {
	// an empty body toggles
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	id, err := s.ctx.Control.SetBoost(req.Enabled)
	return s.accepted(c, id, err)
}

func (s *Server) setTDP(c *fiber.Ctx) error {
	var req struct {
		Watts float64 `json:"watts"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	id, err := s.ctx.Control.SetTDP(req.Watts)
	return s.accepted(c, id, err)
}

func (s *Server) setPBO(c *fiber.Ctx) error {
	var req struct {
		Offset int `json:"offset"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	id, err := s.ctx.Control.SetPBOOffset(req.Offset)
	return s.accepted(c, id, err)
}

func (s *Server) setEPB(c *fiber.Ctx) error {
	var req struct {
		EPB string `json:"epb"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	id, err := s.ctx.Control.SetEPB(req.EPB)
	return s.accepted(c, id, err)
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, err := s.ctx.Control.Job(c.UserContext(), c.Params("id"))
	if err != nil {
		return controlError(c, err)
	}
	return c.JSON(job)
}

// Settings endpoints
func (s *Server) getSettings(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"settings":         s.ctx.Settings,
		"interval_seconds": s.ctx.Monitor.Interval().Seconds(),
		"config_path":      s.ctx.Config.Path(),
	})
}

func (s *Server) setInterval(c *fiber.Ctx) error {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	d, err := s.ctx.SetInterval(req.Seconds)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(fiber.Map{"interval_seconds": d.Seconds()})
}

func (s *Server) getApplied(c *fiber.Ctx) error {
	return c.JSON(s.ctx.Applied.Applied())
}

// Apply on boot endpoints
func (s *Server) getBootScript(c *fiber.Ctx) error {
	script, err := settings.Materialize(s.ctx.Table, s.ctx.Applied.Applied(), s.ctx.Topology.PhysicalCores, s.ctx.Logger)
	if err != nil {
		if errors.Is(err, command.ErrNothingToApply) {
			return errorJSON(c, fiber.StatusUnprocessableEntity, err)
		}
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	c.Set(fiber.HeaderContentType, "text/x-shellscript; charset=utf-8")
	return c.SendString(script)
}

func (s *Server) setBoot(c *fiber.Ctx) error {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	id, err := s.ctx.Control.SetApplyOnBoot(req.Enabled)
	return s.accepted(c, id, err)
}
