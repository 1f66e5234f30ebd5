// Package server runs the HTTP server, background reapers, and ordered
// resource shutdown on top of stdlib context/signal. The teacher's
// github.com/LerianStudio/lib-commons/v2/commons/server.StartWithGracefulShutdown
// blocks on its own internal signal handling and doesn't take the
// caller's context, which would fight the backgrounds/closer ordering
// and drain timeout this package needs, so the shutdown sequencing
// here is hand-rolled on context/signal instead of that chain.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

// Background is a named periodic task (rate-limit reaper, upload-session
// reaper) started alongside the HTTP server and stopped on shutdown.
type Background struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Closer is a resource (metadata store, blob stores, upstream client)
// closed in order after the HTTP server stops accepting connections.
type Closer struct {
	Name  string
	Close func() error
}

// Manager runs the HTTP server, a set of background reapers, and closes
// resources in order on shutdown, draining in-flight requests up to
// drainTimeout per the spec's cancellation model.
type Manager struct {
	app          *fiber.App
	addr         string
	logger       mlog.Logger
	backgrounds  []Background
	closers      []Closer
	drainTimeout time.Duration
}

func New(app *fiber.App, addr string, logger mlog.Logger) *Manager {
	return &Manager{app: app, addr: addr, logger: logger, drainTimeout: 10 * time.Second}
}

func (m *Manager) WithBackground(b Background) *Manager {
	m.backgrounds = append(m.backgrounds, b)
	return m
}

func (m *Manager) WithCloser(c Closer) *Manager {
	m.closers = append(m.closers, c)
	return m
}

func (m *Manager) WithDrainTimeout(d time.Duration) *Manager {
	m.drainTimeout = d
	return m
}

// Run starts the HTTP server and every background task, blocking until
// the process receives SIGINT/SIGTERM, then drains and closes resources
// in registration order.
func (m *Manager) Run(ctx context.Context) error {
	stop := make(chan struct{})
	for _, bg := range m.backgrounds {
		bg := bg
		go func() {
			ticker := time.NewTicker(bg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					bg.Run()
				case <-stop:
					return
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.app.Listen(m.addr)
	}()

	select {
	case err := <-errCh:
		close(stop)
		m.closeAll()
		return err
	case <-ctx.Done():
		close(stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.drainTimeout)
		defer cancel()
		err := m.app.ShutdownWithContext(shutdownCtx)
		m.closeAll()
		return err
	}
}

func (m *Manager) closeAll() {
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			m.logger.Errorf("closing %s: %v", c.Name, err)
		}
	}
}
