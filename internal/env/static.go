package env

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

// Static is a server someone else runs.
type Static struct {
	endpoints model.Endpoints
	timeout   time.Duration
	backoff   Backoff
	logger    *slog.Logger
}

// NewStatic creates a Static environment. timeout bounds the readiness probe.
func NewStatic(endpoints model.Endpoints, timeout time.Duration, logger *slog.Logger) *Static {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	return &Static{
		endpoints: endpoints,
		timeout:   timeout,
		backoff:   DefaultBackoff,
		logger:    logger.With("component", "env"),
	}
}

// Start probes the configured listeners.
func (s *Static) Start(ctx context.Context) (model.Endpoints, error) {
	addrs := []string{s.endpoints.SubmitAddr, s.endpoints.RetrieveAddr}
	if s.endpoints.HTTPAddr != "" {
		addrs = append(addrs, s.endpoints.HTTPAddr)
	}
	if err := WaitReady(ctx, addrs, s.timeout, s.backoff, nil); err != nil {
		return model.Endpoints{}, err
	}
	s.logger.Info("target reachable", "submit", s.endpoints.SubmitAddr, "retrieve", s.endpoints.RetrieveAddr)
	return s.endpoints, nil
}

// Stop does nothing; the server is not ours.
func (s *Static) Stop(context.Context) error { return nil }

// Stats is unsupported for a remote server.
func (s *Static) Stats(context.Context) (ResourceStats, error) {
	return ResourceStats{}, ErrUnsupported
}

// Exec is unsupported for a remote server.
func (s *Static) Exec(context.Context, ...string) ([]byte, error) {
	return nil, ErrUnsupported
}

var _ TargetEnvironment = (*Static)(nil)
