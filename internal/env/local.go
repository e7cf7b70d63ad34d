//go:build unix

package env

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/template"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

//go:embed maddy.conf.tmpl
var defaultConfig string

// configData feeds the configuration template.
type configData struct {
	StateDir     string
	Host         string
	Domain       string
	SubmitPort   int
	RetrievePort int
	HTTPPort     int
	Debug        bool
}

// Local runs the server as a child process group. Start and Stop must be
// called from one goroutine; Stats and Exec may be called concurrently.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger

	stateDir   string
	configPath string
	exited     chan struct{}

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewLocal creates a Local environment. Nothing runs until Start.
func NewLocal(cfg LocalConfig, logger *slog.Logger) *Local {
	if cfg.Domain == "" {
		cfg.Domain = "[127.0.0.1]"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ConfigTemplate == "" {
		cfg.ConfigTemplate = defaultConfig
	}
	return &Local{cfg: cfg, logger: logger.With("component", "env")}
}

// Start writes the configuration, launches the binary and waits until the
// submission, IMAP and HTTP listeners all accept connections.
func (l *Local) Start(ctx context.Context) (model.Endpoints, error) {
	if l.running() != nil {
		return model.Endpoints{}, errors.New("server already started")
	}
	if _, err := os.Stat(l.cfg.Binary); err != nil {
		return model.Endpoints{}, fmt.Errorf("server binary: %w", err)
	}

	ports, err := freePorts(3)
	if err != nil {
		return model.Endpoints{}, fmt.Errorf("allocate ports: %w", err)
	}
	stateDir, err := os.MkdirTemp("", "idleprobe-server-")
	if err != nil {
		return model.Endpoints{}, fmt.Errorf("create state dir: %w", err)
	}
	l.stateDir = stateDir

	configPath, err := l.writeConfig(configData{
		StateDir:     stateDir,
		Host:         "127.0.0.1",
		Domain:       l.cfg.Domain,
		SubmitPort:   ports[0],
		RetrievePort: ports[1],
		HTTPPort:     ports[2],
		Debug:        l.cfg.Debug,
	})
	if err != nil {
		l.cleanup()
		return model.Endpoints{}, err
	}
	l.configPath = configPath

	cmd := exec.Command(l.cfg.Binary, "-config", configPath, "run")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out := &logWriter{logger: l.logger}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		l.cleanup()
		return model.Endpoints{}, fmt.Errorf("start server: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	l.exited = exited
	l.mu.Lock()
	l.cmd = cmd
	l.mu.Unlock()

	ep := model.Endpoints{
		SubmitAddr:   fmt.Sprintf("127.0.0.1:%d", ports[0]),
		RetrieveAddr: fmt.Sprintf("127.0.0.1:%d", ports[1]),
		HTTPAddr:     fmt.Sprintf("127.0.0.1:%d", ports[2]),
		Domain:       l.cfg.Domain,
	}
	l.logger.Info("server starting", "binary", l.cfg.Binary, "pid", cmd.Process.Pid, "state_dir", stateDir)

	start := time.Now()
	addrs := []string{ep.SubmitAddr, ep.RetrieveAddr, ep.HTTPAddr}
	if err := WaitReady(ctx, addrs, l.cfg.StartupTimeout, l.cfg.Backoff, exited); err != nil {
		_ = l.Stop(context.Background())
		return model.Endpoints{}, err
	}
	l.logger.Info("server ready", "elapsed", time.Since(start).Round(time.Millisecond),
		"submit", ep.SubmitAddr, "imap", ep.RetrieveAddr, "http", ep.HTTPAddr)
	return ep, nil
}

func (l *Local) running() *exec.Cmd {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd
}

func (l *Local) writeConfig(data configData) (string, error) {
	tmpl, err := template.New("config").Option("missingkey=error").Parse(l.cfg.ConfigTemplate)
	if err != nil {
		return "", fmt.Errorf("parse server config template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render server config: %w", err)
	}

	dir := filepath.Join(data.StateDir, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(data.StateDir, "run"), 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "maddy.conf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Stop sends SIGTERM to the process group, escalates to SIGKILL after the
// grace period (or when ctx ends) and removes the state directory. Safe to
// call when not started.
func (l *Local) Stop(ctx context.Context) error {
	defer l.cleanup()

	l.mu.Lock()
	cmd := l.cmd
	l.cmd = nil
	l.mu.Unlock()
	if cmd == nil {
		return nil
	}

	pgid := cmd.Process.Pid
	select {
	case <-l.exited:
		return nil
	default:
	}

	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	timer := time.NewTimer(l.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-l.exited:
		l.logger.Info("server stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	l.logger.Warn("server did not exit after SIGTERM, killing", "grace", l.cfg.StopGrace)
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill server: %w", err)
	}
	<-l.exited
	return nil
}

func (l *Local) cleanup() {
	if l.stateDir == "" || l.cfg.KeepState {
		return
	}
	if err := os.RemoveAll(l.stateDir); err != nil {
		l.logger.Warn("could not remove state dir", "dir", l.stateDir, "error", err)
	}
	l.stateDir = ""
}

// StateDir returns the current state directory, "" when stopped.
func (l *Local) StateDir() string {
	return l.stateDir
}

// Stats reads RSS, CPU time and thread count from /proc.
func (l *Local) Stats(context.Context) (ResourceStats, error) {
	cmd := l.running()
	if cmd == nil {
		return ResourceStats{}, errors.New("server not running")
	}
	return procStats(cmd.Process.Pid)
}

// Exec runs the server binary with the generated configuration and args,
// for example "creds list".
func (l *Local) Exec(ctx context.Context, args ...string) ([]byte, error) {
	if l.running() == nil {
		return nil, errors.New("server not running")
	}
	full := append([]string{"-config", l.configPath}, args...)
	return exec.CommandContext(ctx, l.cfg.Binary, full...).CombinedOutput()
}

var _ TargetEnvironment = (*Local)(nil)

// clockTicks is USER_HZ, fixed at 100 on Linux.
const clockTicks = 100

func procStats(pid int) (ResourceStats, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResourceStats{}, ErrUnsupported
		}
		return ResourceStats{}, err
	}
	return parseProcStat(pid, string(data), os.Getpagesize())
}

// parseProcStat parses /proc/<pid>/stat. The command name may contain
// spaces, so fields are counted from the closing parenthesis.
func parseProcStat(pid int, stat string, pageSize int) (ResourceStats, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return ResourceStats{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	// fields[0] is field 3 (state).
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 22 {
		return ResourceStats{}, fmt.Errorf("short stat for pid %d", pid)
	}
	num := func(field int) (int64, error) {
		return strconv.ParseInt(fields[field-3], 10, 64)
	}

	utime, err := num(14)
	if err != nil {
		return ResourceStats{}, err
	}
	stime, err := num(15)
	if err != nil {
		return ResourceStats{}, err
	}
	threads, err := num(20)
	if err != nil {
		return ResourceStats{}, err
	}
	rss, err := num(24)
	if err != nil {
		return ResourceStats{}, err
	}
	return ResourceStats{
		PID:      pid,
		RSSBytes: rss * int64(pageSize),
		CPUTime:  time.Duration(utime+stime) * time.Second / clockTicks,
		Threads:  int(threads),
	}, nil
}

// logWriter forwards server output to the logger line by line.
type logWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Debug("server", "line", string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
