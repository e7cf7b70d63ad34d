//go:build !unix

package env

import (
	"context"
	"log/slog"

	"github.com/roach88/idleprobe/internal/model"
)

// Local needs process groups and /proc; on this platform every operation
// returns ErrUnsupported. Use a static target instead.
type Local struct{}

func NewLocal(LocalConfig, *slog.Logger) *Local { return &Local{} }

func (*Local) Start(context.Context) (model.Endpoints, error) {
	return model.Endpoints{}, ErrUnsupported
}

func (*Local) Stop(context.Context) error { return nil }

func (*Local) StateDir() string { return "" }

func (*Local) Stats(context.Context) (ResourceStats, error) {
	return ResourceStats{}, ErrUnsupported
}

func (*Local) Exec(context.Context, ...string) ([]byte, error) {
	return nil, ErrUnsupported
}
