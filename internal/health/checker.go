// Package health adapts the reference server's readiness probe: GET
// /healthz reports whether the storage backend is reachable. It checks one
// thing — storage reachability — rather than aggregating subsystem status, since every engine operation is a
// storage operation away from failing.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// Status is the JSON body returned by the health endpoint.
type Status struct {
	OK      bool   `json:"ok"`
	Storage string `json:"storage"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Checker probes the storage backend on demand. There is no background
// ticker: a readiness probe is cheap enough to run per request, and a
// ticking goroutine would report staleness instead of the current state.
type Checker struct {
	backend storage.Backend
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Checker. timeout bounds each probe; it defaults to 2s.
func New(backend storage.Backend, timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Checker{backend: backend, timeout: timeout, logger: logger}
}

// Check probes the backend by listing the system bucket used for trust-type
// templates — a read every engine instance performs at startup,
// so its availability is a faithful proxy for the backend's health.
func (c *Checker) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	_, err := c.backend.BucketList(ctx, storage.ActorIDSystem, "trust_types")
	latency := time.Since(start)

	if err != nil {
		c.logger.Warn("health: storage probe failed", zap.Error(err), zap.Duration("latency", latency))
		return Status{OK: false, Storage: "unreachable", Latency: latency.String(), Error: err.Error()}
	}
	return Status{OK: true, Storage: "reachable", Latency: latency.String()}
}
