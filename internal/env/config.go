package env

import "time"

// LocalConfig describes a server binary to run.
type LocalConfig struct {
	// Binary is the server executable.
	Binary string

	// Domain is the primary mail domain. Default "[127.0.0.1]".
	Domain string

	// ConfigTemplate overrides the embedded server configuration.
	ConfigTemplate string

	StartupTimeout time.Duration
	StopGrace      time.Duration
	Backoff        Backoff

	// Debug enables server debug logging.
	Debug bool

	// KeepState leaves the state directory behind after Stop.
	KeepState bool
}
