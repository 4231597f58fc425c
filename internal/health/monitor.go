// Package health polls the inference server while it is believed ready and
// declares it dead after a streak of failed checks.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults used when Config fields are zero.
const (
	DefaultInterval    = 5 * time.Second
	DefaultTimeout     = 2 * time.Second
	DefaultMaxFailures = 3
)

// Config tunes a Monitor.
type Config struct {
	URL      string // full health URL, e.g. http://127.0.0.1:8081/health
	Interval time.Duration
	Timeout  time.Duration
	// MaxFailures is the tolerated streak; the server is declared dead when the
	// consecutive failure count exceeds it.
	MaxFailures int
	// Generation tags log lines and is passed back to OnDead.
	Generation uint64
}

// Monitor is a single-use poller. Start it once; Stop it once or let it fire.
type Monitor struct {
	cfg    Config
	client *http.Client
	onDead func(gen uint64)
	log    zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	mu       sync.Mutex
	failures int
}

// New returns a monitor that calls onDead at most once.
func New(cfg Config, onDead func(gen uint64), log zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Monitor{
		cfg:    cfg,
		client: &http.Client{Timeout: 0},
		onDead: onDead,
		log:    log,
		done:   make(chan struct{}),
	}
}

// Start launches the polling goroutine. Subsequent calls are no-ops.
func (m *Monitor) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx)
}

// Stop cancels polling without invoking onDead and waits for the poller to exit.
// Safe to call multiple times, before Start, and from within onDead.
func (m *Monitor) Stop() {
	m.startMu.Lock()
	if !m.started {
		m.started = true
		m.cancel = func() {}
		close(m.done)
	}
	cancel := m.cancel
	m.startMu.Unlock()
	cancel()
	<-m.done
}

// Done is closed once the poller has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Failures returns the current consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	m.log.Debug().Str("event", "monitor_start").Uint64("gen", m.cfg.Generation).Dur("interval", m.cfg.Interval).Msg("")
	for {
		select {
		case <-ctx.Done():
			m.log.Debug().Str("event", "monitor_stop").Uint64("gen", m.cfg.Generation).Msg("")
			return
		case <-t.C:
		}
		err := m.check(ctx)
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		if err == nil {
			m.failures = 0
		} else {
			m.failures++
		}
		n := m.failures
		m.mu.Unlock()
		if err == nil {
			continue
		}
		m.log.Warn().Str("event", "health_failed").Uint64("gen", m.cfg.Generation).Int("failures", n).Err(err).Msg("")
		if n > m.cfg.MaxFailures {
			m.log.Error().Str("event", "declared_dead").Uint64("gen", m.cfg.Generation).Int("failures", n).Msg("")
			if m.onDead != nil {
				// run detached so onDead may call Stop
				go m.onDead(m.cfg.Generation)
			}
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) error {
	return Check(ctx, m.client, m.cfg.URL, m.cfg.Timeout)
}

// Check performs one GET against url and succeeds on a 2xx status.
func Check(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
