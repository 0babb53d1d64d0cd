package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/app"
	"github.com/CristiGvl/picoCPUCtl/internal/platform"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
)

// Server represents the API server
type Server struct {
	app       *fiber.App
	ctx       *app.App
	accessLog *io.PipeWriter
}

// NewServer creates a new API server over the application context
func NewServer(a *app.App) *Server {
	f := fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          5 * time.Minute,
		IdleTimeout:           120 * time.Second,
		ServerHeader:          "picoCPUCtl",
		AppName:               "picoCPUCtl v1.0",
		DisableStartupMessage: true,
	})

	// Middleware
	accessLog := a.Logger.WriterLevel(logrus.InfoLevel)
	f.Use(logger.New(logger.Config{
		Format: "${status} ${method} ${path} ${latency}\n",
		Output: accessLog,
	}))
	f.Use(cors.New(cors.Config{
		AllowOriginsFunc: loopbackOrigin,
		AllowMethods:     "GET,POST,PUT,OPTIONS",
		AllowHeaders:     "Content-Type",
		MaxAge:           86400, // 24 hours
	}))
	f.Use(localOnly)

	server := &Server{app: f, ctx: a, accessLog: accessLog}
	server.setupRoutes()
	return server
}

var errForeignOrigin = errors.New("requests that change settings must come from this machine")

// loopbackOrigin reports whether origin is a page served from this machine
func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// localOnly rejects state-changing requests sent by pages of other origins.
// Requests without an Origin header (curl, scripts) pass.
func localOnly(c *fiber.Ctx) error {
	switch c.Method() {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return c.Next()
	}
	if origin := c.Get(fiber.HeaderOrigin); origin != "" && !loopbackOrigin(origin) {
		return errorJSON(c, fiber.StatusForbidden, errForeignOrigin)
	}
	return c.Next()
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	// Information endpoints
	api.Get("/cpu", s.getCPU)
	api.Get("/cpu/live", s.getLive)
	api.Get("/capabilities", s.getCapabilities)
	api.Get("/memory", s.getMemory)
	api.Get("/temps", s.getTemps)

	// Control endpoints
	api.Post("/cpu/frequency", s.setFrequency)
	api.Post("/cpu/governor", s.setGovernor)
	api.Post("/cpu/boost", s.setBoost)
	api.Post("/cpu/tdp", s.setTDP)
	api.Post("/cpu/pbo", s.setPBO)
	api.Post("/cpu/epb", s.setEPB)
	api.Get("/jobs/:id", s.getJob)

	// Settings endpoints
	api.Get("/settings", s.getSettings)
	api.Put("/settings/interval", s.setInterval)
	api.Get("/settings/applied", s.getApplied)

	// Apply on boot
	api.Get("/boot/script", s.getBootScript)
	api.Post("/boot", s.setBoot)

	// Health check
	api.Get("/health", s.healthCheck)

	s.app.Get("/metrics", adaptor.HTTPHandler(s.ctx.Metrics.Handler()))
}

// Start starts the API server
func (s *Server) Start(address string) error {
	return s.app.Listen(address)
}

// Serve listens on address until ctx is canceled
func (s *Server) Serve(ctx context.Context, address string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(address)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer s.accessLog.Close()
		return s.app.ShutdownWithContext(shutdownCtx)
	}
}

// Health check endpoint
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"platform":  platform.GetOS(),
		"machine":   platform.DescribeMachine(platform.Machine()),
		"tasks":     s.ctx.Scheduler.Running(),
		"timestamp": time.Now().Unix(),
	})
}
