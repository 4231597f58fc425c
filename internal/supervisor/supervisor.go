// Package supervisor owns the external inference server process: it launches
// it for a model and backend, parses its output, polls it until ready and
// stops it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/common/fsutil"
	"inferd/internal/events"
	"inferd/internal/health"
	"inferd/internal/registry"
)

// Config holds launch parameters.
type Config struct {
	BinDir    string
	Host      string
	Port      int
	CtxSize   int
	BatchSize int
	GPULayers int

	ReadyTimeout time.Duration
	StopTimeout  time.Duration
	// PollInterval is the readiness poll period.
	PollInterval time.Duration
	// LatePollInterval is the poll period once ReadyTimeout has passed.
	LatePollInterval time.Duration
	// SettleDelay is waited after stopping the previous process and after port eviction.
	SettleDelay time.Duration
}

const (
	defaultReadyTimeout = 30 * time.Second
	defaultStopTimeout  = 2 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	defaultLatePoll     = 2 * time.Second
	defaultSettleDelay  = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LatePollInterval <= 0 {
		c.LatePollInterval = defaultLatePoll
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = defaultSettleDelay
	}
	return c
}

// Info is a point-in-time view of the supervised process.
type Info struct {
	Generation  uint64       `json:"generation"`
	State       State        `json:"-"`
	StateName   string       `json:"state"`
	Model       string       `json:"model,omitempty"`
	ModelPath   string       `json:"model_path,omitempty"`
	Backend     backend.Kind `json:"backend,omitempty"`
	PID         int          `json:"pid,omitempty"`
	Port        int          `json:"port"`
	ModelLoaded bool         `json:"model_loaded"`
	VRAMMB      float64      `json:"vram_mb"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
}

// Hooks are invoked from supervisor goroutines; they must not block.
type Hooks struct {
	// OnReady fires once per generation when /health first succeeds.
	OnReady func(gen uint64)
	// OnExit fires when a process exits without an intentional stop.
	OnExit func(gen uint64, code int)
}

// Supervisor manages at most one server process at a time.
type Supervisor struct {
	cfg    Config
	pub    events.Publisher
	log    zerolog.Logger
	debug  zerolog.Logger
	client *http.Client

	hooksMu sync.RWMutex
	hooks   Hooks

	// launchMu serialises Launch so two launches cannot interleave eviction and start.
	launchMu sync.Mutex

	mu          sync.Mutex
	cmd         *exec.Cmd
	gen         uint64
	state       State
	model       registry.Model
	kind        backend.Kind
	pid         int
	modelLoaded bool
	vramMB      float64
	startedAt   time.Time
	readyCh     chan struct{}
	exited      chan struct{}
	intentional bool
	stopPoll    context.CancelFunc
}

// New returns an idle supervisor.
func New(cfg Config, pub events.Publisher, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		pub:    events.OrNop(pub),
		log:    log,
		debug:  zerolog.Nop(),
		client: &http.Client{Timeout: 0},
	}
	stateGauge.Set(float64(NotRunning))
	return s
}

// SetHooks installs lifecycle callbacks.
func (s *Supervisor) SetHooks(h Hooks) {
	s.hooksMu.Lock()
	s.hooks = h
	s.hooksMu.Unlock()
}

// SetDebugLog sets the sink for raw server output of launches made with debug=true.
func (s *Supervisor) SetDebugLog(l zerolog.Logger) { s.debug = l }

// BaseURL returns the server URL.
func (s *Supervisor) BaseURL() string {
	return "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// HealthURL returns the server health endpoint.
func (s *Supervisor) HealthURL() string { return s.BaseURL() + "/health" }

// Launch starts the server for model on the given backend, replacing any
// running process. It returns once the process has started; readiness is
// confirmed asynchronously and announced with a server_ready event.
func (s *Supervisor) Launch(ctx context.Context, model registry.Model, kind backend.Kind, debug bool) error {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	if !fsutil.IsFile(model.Path) {
		return s.fatal(ErrDependencyUnavailable(fmt.Sprintf("model file not found: %s", model.Path)))
	}
	exe := backend.ExecutablePath(s.cfg.BinDir, kind)
	if !fsutil.IsFile(exe) {
		return s.fatal(ErrDependencyUnavailable(fmt.Sprintf("%s executable not found for backend %s: %s", backend.ServerBinary, kind, exe)))
	}

	if s.running() {
		_ = s.Stop(true)
		sleepCtx(ctx, s.cfg.SettleDelay)
	}
	if err := s.clearPort(ctx); err != nil {
		return err
	}

	args := s.buildArgs(model.Path, kind)
	cmd := exec.Command(exe, args...)
	cmd.Dir = filepath.Dir(exe)
	configureProc(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	s.log.Info().Str("event", "spawn_start").Str("model", model.FileName).Str("backend", string(kind)).Strs("args", args).Msg("")
	if err := cmd.Start(); err != nil {
		return s.fatal(fmt.Errorf("start %s: %w", backend.ServerBinary, err))
	}
	launchesTotal.WithLabelValues(string(kind)).Inc()

	pollCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.model = model
	s.kind = kind
	s.modelLoaded = false
	s.vramMB = 0
	s.startedAt = time.Now()
	s.readyCh = make(chan struct{})
	s.exited = make(chan struct{})
	s.intentional = false
	s.stopPoll = cancel
	s.setStateLocked(Starting)
	exited := s.exited
	s.mu.Unlock()

	s.log.Info().Str("event", "spawned").Uint64("gen", gen).Int("pid", cmd.Process.Pid).Int("port", s.cfg.Port).Msg("")
	s.pub.Publish(events.Event{Kind: events.KindProgress, Source: "supervisor",
		Text:   fmt.Sprintf("starting %s (%s)", model.FileName, kind),
		Fields: map[string]any{"pid": cmd.Process.Pid, "port": s.cfg.Port, "generation": gen}})

	var readers sync.WaitGroup
	readers.Add(2)
	go s.scan(gen, "stdout", stdout, debug, &readers)
	go s.scan(gen, "stderr", stderr, debug, &readers)
	go s.wait(gen, cmd, &readers, exited)
	go s.pollReady(pollCtx, gen)
	return nil
}

func (s *Supervisor) buildArgs(modelPath string, kind backend.Kind) []string {
	args := []string{
		"-m", modelPath,
		"--port", strconv.Itoa(s.cfg.Port),
		"--host", s.cfg.Host,
	}
	if s.cfg.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(s.cfg.CtxSize))
	}
	if s.cfg.BatchSize > 0 {
		args = append(args, "-b", strconv.Itoa(s.cfg.BatchSize))
	}
	if kind.IsGPU() && s.cfg.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(s.cfg.GPULayers))
	}
	return args
}

// clearPort evicts foreign listeners on the server port, retrying once if the
// port is still held after the first pass.
func (s *Supervisor) clearPort(ctx context.Context) error {
	for attempt := 1; attempt <= 2; attempt++ {
		if portFree(s.cfg.Host, s.cfg.Port) {
			return nil
		}
		killed := evictPort(ctx, s.cfg.Port, s.log)
		if len(killed) > 0 {
			s.pub.Publish(events.Event{Kind: events.KindWarning, Source: "supervisor",
				Text:   fmt.Sprintf("evicted stale listener on port %d", s.cfg.Port),
				Fields: map[string]any{"pids": killed}})
		}
		sleepCtx(ctx, s.cfg.SettleDelay)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if !portFree(s.cfg.Host, s.cfg.Port) {
		// launch anyway: the server's own bind error is reported from its output
		s.log.Warn().Str("event", "port_busy").Int("port", s.cfg.Port).Msg("port still in use after eviction")
	}
	return nil
}

func (s *Supervisor) wait(gen uint64, cmd *exec.Cmd, readers *sync.WaitGroup, exited chan struct{}) {
	readers.Wait()
	err := cmd.Wait()
	code := exitCode(err)

	s.mu.Lock()
	if gen != s.gen {
		// a stale generation only closes its own channel
		s.mu.Unlock()
		close(exited)
		return
	}
	intentional := s.intentional
	s.cmd = nil
	s.pid = 0
	if s.stopPoll != nil {
		s.stopPoll()
	}
	if intentional {
		s.setStateLocked(NotRunning)
	} else {
		s.setStateLocked(Crashed)
	}
	s.mu.Unlock()
	close(exited)

	if intentional {
		exitsTotal.WithLabelValues("intentional").Inc()
		s.log.Info().Str("event", "stopped").Uint64("gen", gen).Int("code", code).Msg("")
		return
	}
	exitsTotal.WithLabelValues("unexpected").Inc()
	s.log.Error().Str("event", "exit_unexpected").Uint64("gen", gen).Int("code", code).Err(err).Msg("")
	s.pub.Publish(events.Event{Kind: events.KindError, Source: "supervisor",
		Text:   fmt.Sprintf("inference server exited unexpectedly (exit code %d)", code),
		Fields: map[string]any{"exit_code": code, "generation": gen}})
	s.hooksMu.RLock()
	onExit := s.hooks.OnExit
	s.hooksMu.RUnlock()
	if onExit != nil {
		onExit(gen, code)
	}
}

// pollReady probes /health until the server answers or the process goes away.
// Past ReadyTimeout it reports a single timeout error and keeps probing at
// LatePollInterval, so a slow load still reaches Ready.
func (s *Supervisor) pollReady(ctx context.Context, gen uint64) {
	deadline := time.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		if health.Check(ctx, s.client, s.HealthURL(), time.Second) == nil {
			s.markReady(gen)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.log.Warn().Str("event", "timeout").Uint64("gen", gen).Dur("after", s.cfg.ReadyTimeout).Msg("server not ready")
			s.pub.Publish(events.Event{Kind: events.KindError, Source: "supervisor",
				Text:   fmt.Sprintf("inference server not ready after %s", s.cfg.ReadyTimeout),
				Fields: map[string]any{"generation": gen}})
			tick.Reset(s.cfg.LatePollInterval)
		case <-tick.C:
		}
	}
}

func (s *Supervisor) markReady(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != Starting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Ready)
	close(s.readyCh)
	name, kind, pid := s.model.FileName, s.kind, s.pid
	s.mu.Unlock()

	s.log.Info().Str("event", "ready").Uint64("gen", gen).Int("pid", pid).Str("url", s.BaseURL()).Msg("")
	s.pub.Publish(events.Event{Kind: events.KindServerReady, Source: "supervisor",
		Text:   fmt.Sprintf("%s ready on %s", name, s.BaseURL()),
		Fields: map[string]any{"backend": string(kind), "pid": pid, "generation": gen}})
	s.hooksMu.RLock()
	onReady := s.hooks.OnReady
	s.hooksMu.RUnlock()
	if onReady != nil {
		onReady(gen)
	}
}

// Stop terminates the supervised process: graceful sends a termination signal
// and force-kills after the stop timeout; otherwise it kills immediately.
// Stop is idempotent and emits no error event.
func (s *Supervisor) Stop(graceful bool) error {
	s.mu.Lock()
	if s.cmd == nil || s.cmd.Process == nil {
		if s.state == Crashed {
			s.setStateLocked(NotRunning)
		}
		s.mu.Unlock()
		return nil
	}
	s.intentional = true
	s.setStateLocked(ShuttingDown)
	if s.stopPoll != nil {
		s.stopPoll()
	}
	p := s.cmd.Process
	exited := s.exited
	gen := s.gen
	s.mu.Unlock()

	s.log.Info().Str("event", "stop").Uint64("gen", gen).Int("pid", p.Pid).Bool("graceful", graceful).Msg("")
	if graceful {
		_ = terminate(p)
		select {
		case <-exited:
			return nil
		case <-time.After(s.cfg.StopTimeout):
		}
	}
	_ = p.Kill()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("inference server pid %d did not exit after kill", p.Pid)
	}
	return nil
}

// WaitReady blocks until the current generation is ready, the process exits or
// ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready, exited, running := s.readyCh, s.exited, s.cmd != nil
	s.mu.Unlock()
	if !running || ready == nil {
		return ErrNotRunning
	}
	select {
	case <-ready:
		return nil
	case <-exited:
		return ErrExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check performs a single health probe.
func (s *Supervisor) Check(ctx context.Context) error {
	return health.Check(ctx, s.client, s.HealthURL(), 2*time.Second)
}

// Alive reports whether a process is running and not being stopped.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && (s.state == Starting || s.state == Ready)
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the launch counter of the current (or last) process.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Info returns a snapshot of the supervised process.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Generation:  s.gen,
		State:       s.state,
		StateName:   s.state.String(),
		Model:       s.model.FileName,
		ModelPath:   s.model.Path,
		Backend:     s.kind,
		PID:         s.pid,
		Port:        s.cfg.Port,
		ModelLoaded: s.modelLoaded,
		VRAMMB:      s.vramMB,
		StartedAt:   s.startedAt,
	}
}

func (s *Supervisor) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

func (s *Supervisor) setStateLocked(st State) {
	s.state = st
	stateGauge.Set(float64(st))
}

func (s *Supervisor) fatal(err error) error {
	s.log.Error().Str("event", "launch_failed").Err(err).Msg("")
	s.pub.Publish(events.Event{Kind: events.KindError, Source: "supervisor", Text: err.Error()})
	return err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
