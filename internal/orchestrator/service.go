// Package orchestrator schedules filter, analysis and chat work against the
// supervised inference server. A single loop goroutine owns all scheduling
// state; callers, the drain worker and supervisor hooks talk to it through
// one command channel, and everything it reports goes out as events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"inferd/internal/backend"
	"inferd/internal/events"
	"inferd/internal/health"
	"inferd/internal/inference"
	"inferd/internal/registry"
	"inferd/internal/resources"
	"inferd/internal/supervisor"
)

// Supervisor is the process control surface the scheduler drives.
type Supervisor interface {
	Launch(ctx context.Context, m registry.Model, kind backend.Kind, debug bool) error
	Stop(graceful bool) error
	WaitReady(ctx context.Context) error
	Alive() bool
	Info() supervisor.Info
	HealthURL() string
	SetHooks(h supervisor.Hooks)
}

// Completer issues chat-completion calls.
type Completer interface {
	ChatComplete(ctx context.Context, mode inference.Mode, messages []inference.Message, params inference.Params) (string, bool)
	SetModel(name string)
}

// BackendDetector resolves the compute backend for a launch.
type BackendDetector interface {
	Detect(ctx context.Context, preference string) backend.Kind
}

// Sampler produces resource snapshots.
type Sampler interface {
	Collect(ctx context.Context, in resources.Input) resources.Snapshot
}

// Monitor is a health poller bound to one server generation.
type Monitor interface {
	Start()
	Stop()
}

// MonitorFactory builds the monitor for a server generation.
type MonitorFactory func(gen uint64, onDead func(gen uint64)) Monitor

// Options tune scheduling.
type Options struct {
	BackendPreference string
	DefaultModel      string
	// DispatchWait bounds the readiness wait before each item.
	DispatchWait time.Duration
	Health       health.Config
	// RestartEvery rate-limits forced restarts; one restart is always allowed.
	RestartEvery time.Duration
	// DebugLog receives prompts and raw responses of jobs submitted with debug.
	DebugLog zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.DispatchWait <= 0 {
		o.DispatchWait = 60 * time.Second
	}
	if o.RestartEvery <= 0 {
		o.RestartEvery = 30 * time.Second
	}
	return o
}

// Deps are the collaborators of a Service. Publisher is required; Monitors and
// Sampler default to the health and resources packages.
type Deps struct {
	Registry   *registry.Registry
	Supervisor Supervisor
	Client     Completer
	Detector   BackendDetector
	Publisher  events.Publisher
	Sampler    Sampler
	Monitors   MonitorFactory
}

// Service is the orchestrator. Construct one with New at startup and inject it.
type Service struct {
	opts  Options
	reg   *registry.Registry
	sup   Supervisor
	cli   Completer
	det   BackendDetector
	pub   events.Publisher
	res   Sampler
	mons  MonitorFactory
	log   zerolog.Logger
	debug zerolog.Logger

	cmds     chan command
	loopDone chan struct{}

	// loop-owned state below
	restarts   *rate.Limiter
	queue      []queued
	active     *run
	monitor    Monitor
	monitorGen uint64
	pending    *time.Timer
	closing    bool
}

// New wires a Service and starts its loop.
func New(opts Options, deps Deps, log zerolog.Logger) *Service {
	opts = opts.withDefaults()
	s := &Service{
		opts:     opts,
		reg:      deps.Registry,
		sup:      deps.Supervisor,
		cli:      deps.Client,
		det:      deps.Detector,
		pub:      events.OrNop(deps.Publisher),
		res:      deps.Sampler,
		mons:     deps.Monitors,
		log:      log,
		debug:    opts.DebugLog,
		cmds:     make(chan command, 64),
		loopDone: make(chan struct{}),
		restarts: rate.NewLimiter(rate.Every(opts.RestartEvery), 1),
	}
	if s.res == nil {
		s.res = resources.NewCollector()
	}
	if s.mons == nil {
		s.mons = s.healthMonitor
	}
	s.sup.SetHooks(supervisor.Hooks{
		OnReady: func(gen uint64) { s.post(serverReadyCmd{gen: gen}) },
		OnExit:  func(gen uint64, code int) { s.post(serverExitCmd{gen: gen, code: code}) },
	})
	go s.loop()
	return s
}

func (s *Service) healthMonitor(gen uint64, onDead func(uint64)) Monitor {
	cfg := s.opts.Health
	cfg.URL = s.sup.HealthURL()
	cfg.Generation = gen
	return health.New(cfg, onDead, s.log.With().Str("component", "health").Logger())
}

// SubmitAnalysis queues one analysis prompt per item and starts draining. It is
// rejected with ErrBusy, plus a warning event, while any job is in flight.
// An empty prompt selects the default analysis instruction.
func (s *Service) SubmitAnalysis(items []string, prompt string, debug bool, ctx map[string]any) (string, error) {
	return s.submit(newJob(KindAnalysis, items, prompt, debug, ctx))
}

// SubmitChat flattens the conversation into one instruction and queues it as a
// one-item job; the reply arrives as a chat_reply event carrying the job ID.
func (s *Service) SubmitChat(messages []inference.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: empty conversation", ErrInvalidJob)
	}
	return s.submit(newChatJob(messages))
}

func (s *Service) submit(j *Job) (string, error) {
	reply := make(chan error, 1)
	if err := s.call(submitCmd{job: j, reply: reply}, reply); err != nil {
		return "", err
	}
	return j.ID, nil
}

// EnqueueBatch appends a shared-prompt job to the batch FIFO; it starts at once
// when nothing is in flight.
func (s *Service) EnqueueBatch(kind JobKind, items []string, prompt string, debug bool, ctx map[string]any) (string, error) {
	if kind == KindChat {
		return "", fmt.Errorf("%w: chat cannot be batched", ErrInvalidJob)
	}
	j := newJob(kind, items, prompt, debug, ctx)
	reply := make(chan error, 1)
	if err := s.call(batchCmd{job: j, reply: reply}, reply); err != nil {
		return "", err
	}
	return j.ID, nil
}

// SelectModel switches the active model. Selecting the running model is a
// no-op; while a job drains the switch is deferred until the queue is empty.
func (s *Service) SelectModel(fileName string) error {
	reply := make(chan error, 1)
	return s.call(selectCmd{name: strings.TrimSpace(fileName), reply: reply}, reply)
}

// ListModels rescans the model directory.
func (s *Service) ListModels() ([]registry.Model, error) { return s.reg.List() }

// SelectedModel returns the model the next launch will use.
func (s *Service) SelectedModel() (registry.Model, bool) { return s.reg.Selected() }

// HasModel is true when a model is selected and its file still exists.
func (s *Service) HasModel() bool { return s.reg.HasModel() }

// RequestStop cancels in-flight work, drops queued jobs and stops the server.
// It is safe to call with nothing running.
func (s *Service) RequestStop() {
	reply := make(chan error, 1)
	_ = s.call(stopCmd{reply: reply}, reply)
}

// Shutdown stops everything and terminates the loop. Later calls return ErrShutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	err := s.call(stopCmd{reply: reply, final: true}, reply)
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	select {
	case <-s.loopDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the loop is accepting commands.
func (s *Service) Ready() bool {
	select {
	case <-s.loopDone:
		return false
	default:
		return true
	}
}

// post delivers a command from a background goroutine without waiting for a reply.
func (s *Service) post(c command) {
	select {
	case s.cmds <- c:
	case <-s.loopDone:
	}
}

func (s *Service) call(c command, reply chan error) error {
	select {
	case s.cmds <- c:
	case <-s.loopDone:
		return ErrShutdown
	}
	select {
	case err := <-reply:
		return err
	case <-s.loopDone:
		// the loop may have answered just before exiting
		select {
		case err := <-reply:
			return err
		default:
			return ErrShutdown
		}
	}
}
