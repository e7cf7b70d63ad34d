// Package env manages the mail server under test.
//
// Local starts a server binary from a generated configuration and owns its
// process group. Static points at a server that is already running and only
// checks that it is reachable.
package env

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

const (
	DefaultStartupTimeout = 60 * time.Second
	DefaultStopGrace      = 10 * time.Second
)

// ErrUnsupported is returned by operations an environment cannot perform.
var ErrUnsupported = errors.New("not supported by this environment")

// ResourceStats is a snapshot of the server process.
type ResourceStats struct {
	PID      int           `json:"pid"`
	RSSBytes int64         `json:"rss_bytes"`
	CPUTime  time.Duration `json:"cpu_time"`
	Threads  int           `json:"threads"`
}

// TargetEnvironment is the lifecycle of the server under test.
type TargetEnvironment interface {
	// Start brings the server up and blocks until every listener accepts
	// connections.
	Start(ctx context.Context) (model.Endpoints, error)

	// Stop shuts the server down and releases everything Start acquired.
	Stop(ctx context.Context) error

	// Stats samples the server process.
	Stats(ctx context.Context) (ResourceStats, error)

	// Exec runs an administrative command against the server.
	Exec(ctx context.Context, args ...string) ([]byte, error)
}

// ReadinessError means the server did not accept connections on every
// listener before the deadline.
type ReadinessError struct {
	Pending []string
	Elapsed time.Duration
	Err     error
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("server not ready after %s, waiting on %s: %v",
		e.Elapsed.Round(time.Millisecond), strings.Join(e.Pending, ", "), e.Err)
}

func (e *ReadinessError) Unwrap() error { return e.Err }

// IsReadinessError reports whether err is a *ReadinessError.
func IsReadinessError(err error) bool {
	var re *ReadinessError
	return errors.As(err, &re)
}
