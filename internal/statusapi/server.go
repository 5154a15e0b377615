// Package statusapi exposes a local HTTP+WebSocket surface external UIs can
// subscribe to — health, version, queue/bandwidth snapshots, and a live
// event stream off internal/events.Hub. It is the teacher's main.go Fiber
// app and services/websocket.go WebSocketHub, narrowed from a full upload
// API down to a read-only status surface: per §1, the desktop UI itself is
// an external collaborator out of scope, but it still needs something to
// subscribe to.
package statusapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	"imxup/internal/bandwidth"
	"imxup/internal/events"
	"imxup/internal/logging"
	"imxup/internal/queue"
	"imxup/internal/version"
)

// Server is imxup's local status/event HTTP surface.
type Server struct {
	app    *fiber.App
	qm     *queue.Manager
	hub    *events.Hub
	bw     *bandwidth.Aggregator
	logger *logging.Logger
}

// New builds a Server wired to the running Queue Manager, Hub and
// Bandwidth Aggregator. Call Listen to start serving.
func New(qm *queue.Manager, hub *events.Hub, bw *bandwidth.Aggregator, logger *logging.Logger) *Server {
	s := &Server{qm: qm, hub: hub, bw: bw, logger: logger.With("service", "status-api")}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": true, "message": err.Error()})
		},
	})
	app.Use(cors.New())
	app.Use(fiberlog.New(fiberlog.Config{
		Format: "${time} | ${status} | ${latency} | ${method} | ${path}\n",
	}))

	app.Get("/api/health", s.handleHealth)
	app.Get("/api/version", s.handleVersion)
	app.Get("/api/status", s.handleStatus)
	app.Get("/api/galleries", s.handleGalleries)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleWS))

	s.app = app
	return s
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleVersion(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"version": version.GetFullVersion("imxupd")})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	stats := s.qm.GetQueueStats()
	byStatus := make(map[string]queue.QueueStat, len(stats))
	for status, stat := range stats {
		byStatus[string(status)] = stat
	}
	return c.JSON(fiber.Map{
		"version":         s.qm.GetVersion(),
		"by_status":       byStatus,
		"aggregate_kibps": s.bw.GetCurrent(),
		"peak_kibps":      s.bw.GetPeak(),
	})
}

func (s *Server) handleGalleries(c *fiber.Ctx) error {
	return c.JSON(s.qm.GetAllItems())
}

// handleWS streams every Hub event to the client as JSON frames until
// either side closes the connection, mirroring the teacher's
// WebSocketHub.HandleConnection register/unregister lifecycle.
func (s *Server) handleWS(c *websocket.Conn) {
	ch, unsubscribe := s.hub.Subscribe(32)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Listen starts serving on addr. It blocks until the server stops.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server, giving in-flight requests up to
// the given timeout to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
