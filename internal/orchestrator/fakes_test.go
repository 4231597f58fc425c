package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"inferd/internal/backend"
	"inferd/internal/events"
	"inferd/internal/inference"
	"inferd/internal/registry"
	"inferd/internal/resources"
	"inferd/internal/supervisor"
)

type fakeSupervisor struct {
	mu          sync.Mutex
	hooks       supervisor.Hooks
	gen         uint64
	alive       bool
	readyClosed bool
	ready       chan struct{}
	exited      chan struct{}
	launches    []registry.Model
	debugs      []bool
	stops       int
	manualReady bool
	model       registry.Model
}

func (f *fakeSupervisor) Launch(ctx context.Context, m registry.Model, kind backend.Kind, debug bool) error {
	f.mu.Lock()
	if f.alive {
		close(f.exited)
	}
	f.gen++
	gen := f.gen
	f.alive = true
	f.readyClosed = false
	f.ready = make(chan struct{})
	f.exited = make(chan struct{})
	f.launches = append(f.launches, m)
	f.debugs = append(f.debugs, debug)
	f.model = m
	manual := f.manualReady
	f.mu.Unlock()
	if !manual {
		go f.markReady(gen)
	}
	return nil
}

func (f *fakeSupervisor) markReady(gen uint64) {
	f.mu.Lock()
	if gen != f.gen || !f.alive || f.readyClosed {
		f.mu.Unlock()
		return
	}
	f.readyClosed = true
	close(f.ready)
	hook := f.hooks.OnReady
	f.mu.Unlock()
	if hook != nil {
		hook(gen)
	}
}

// crash simulates an unexpected exit of the current process.
func (f *fakeSupervisor) crash() {
	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return
	}
	f.alive = false
	close(f.exited)
	gen, hook := f.gen, f.hooks.OnExit
	f.mu.Unlock()
	if hook != nil {
		hook(gen, 1)
	}
}

func (f *fakeSupervisor) Stop(graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.alive {
		f.alive = false
		close(f.exited)
	}
	return nil
}

func (f *fakeSupervisor) WaitReady(ctx context.Context) error {
	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return supervisor.ErrNotRunning
	}
	ready, exited := f.ready, f.exited
	f.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-exited:
		return supervisor.ErrExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSupervisor) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSupervisor) Info() supervisor.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := supervisor.NotRunning
	if f.alive {
		st = supervisor.Starting
		if f.readyClosed {
			st = supervisor.Ready
		}
	}
	return supervisor.Info{Generation: f.gen, State: st, StateName: st.String(), Model: f.model.FileName, Backend: backend.CPU}
}

func (f *fakeSupervisor) HealthURL() string { return "http://127.0.0.1:1/health" }

func (f *fakeSupervisor) SetHooks(h supervisor.Hooks) {
	f.mu.Lock()
	f.hooks = h
	f.mu.Unlock()
}

func (f *fakeSupervisor) launched() []registry.Model {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.Model(nil), f.launches...)
}

func (f *fakeSupervisor) launchDebugs() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.debugs...)
}

type fakeClient struct {
	mu     sync.Mutex
	model  string
	gate   chan struct{}
	calls  []string
	params []inference.Params
	called chan string
	fail   func(content string) bool
	onCall func(n int)
	reply  func(content string) string
}

func newFakeClient() *fakeClient {
	return &fakeClient{called: make(chan string, 64)}
}

func (c *fakeClient) ChatComplete(ctx context.Context, mode inference.Mode, msgs []inference.Message, p inference.Params) (string, bool) {
	content := msgs[len(msgs)-1].Content
	c.mu.Lock()
	c.calls = append(c.calls, content)
	c.params = append(c.params, p)
	n := len(c.calls)
	gate, onCall, fail, reply := c.gate, c.onCall, c.fail, c.reply
	c.mu.Unlock()
	c.called <- content
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", false
		}
	}
	if onCall != nil {
		onCall(n)
	}
	if fail != nil && fail(content) {
		return "", false
	}
	if reply != nil {
		return reply(content), true
	}
	b, _ := json.Marshal(map[string]string{"verdict": "accept", "reason": content})
	return string(b), true
}

func (c *fakeClient) SetModel(name string) {
	c.mu.Lock()
	c.model = name
	c.mu.Unlock()
}

func (c *fakeClient) currentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

type fakeDetector struct{}

func (fakeDetector) Detect(context.Context, string) backend.Kind { return backend.CPU }

type fakeSampler struct{}

func (fakeSampler) Collect(_ context.Context, in resources.Input) resources.Snapshot {
	return resources.Snapshot{Backend: string(in.Backend), ServerReady: in.ServerReady, RAMMB: 1}
}

type fakeMonitor struct {
	gen     uint64
	onDead  func(uint64)
	mu      sync.Mutex
	started bool
	stopped bool
}

func (m *fakeMonitor) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMonitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type monitorLog struct {
	mu   sync.Mutex
	mons []*fakeMonitor
}

func (l *monitorLog) factory(gen uint64, onDead func(uint64)) Monitor {
	m := &fakeMonitor{gen: gen, onDead: onDead}
	l.mu.Lock()
	l.mons = append(l.mons, m)
	l.mu.Unlock()
	return m
}

func (l *monitorLog) all() []*fakeMonitor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeMonitor(nil), l.mons...)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type harness struct {
	svc   *Service
	sup   *fakeSupervisor
	cli   *fakeClient
	pub   *events.MemoryPublisher
	mons  *monitorLog
	reg   *registry.Registry
	debug *syncBuffer
}

func newHarness(t *testing.T, mutate func(*Options, *fakeSupervisor, *fakeClient)) *harness {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"a.gguf", "b.gguf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("gguf"), 0o644))
	}
	h := &harness{
		sup:   &fakeSupervisor{},
		cli:   newFakeClient(),
		pub:   events.NewMemoryPublisher(),
		mons:  &monitorLog{},
		reg:   registry.New(dir, ".gguf"),
		debug: &syncBuffer{},
	}
	opts := Options{DispatchWait: 2 * time.Second, RestartEvery: time.Hour, DebugLog: zerolog.New(h.debug)}
	if mutate != nil {
		mutate(&opts, h.sup, h.cli)
	}
	h.svc = New(opts, Deps{
		Registry:   h.reg,
		Supervisor: h.sup,
		Client:     h.cli,
		Detector:   fakeDetector{},
		Publisher:  h.pub,
		Sampler:    fakeSampler{},
		Monitors:   h.mons.factory,
	}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitCount(t *testing.T, k events.Kind, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.pub.Count(k) >= n }, 3*time.Second, 5*time.Millisecond,
		"waiting for %d %s event(s), got %d", n, k, h.pub.Count(k))
}

func (h *harness) waitCall(t *testing.T) string {
	t.Helper()
	select {
	case c := <-h.cli.called:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no inference call")
		return ""
	}
}

// kinds returns the sequence of scheduler event kinds, skipping progress noise.
func (h *harness) kinds() []events.Kind {
	var out []events.Kind
	for _, e := range h.pub.Events() {
		if e.Kind == events.KindProgress {
			continue
		}
		out = append(out, e.Kind)
	}
	return out
}

func reasonOf(t *testing.T, e events.Event) string {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.Text), &v), e.Text)
	r, _ := v["reason"].(string)
	return strings.TrimSpace(r)
}
