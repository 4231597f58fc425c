package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferd/internal/backend"
	"inferd/internal/events"
	"inferd/internal/registry"
	"inferd/internal/supervisor/supervisortest"
)

func TestMain(m *testing.M) {
	supervisortest.RunIfHelper()
	os.Exit(m.Run())
}

type fixture struct {
	sup    *Supervisor
	pub    *events.MemoryPublisher
	model  registry.Model
	binDir string
	port   int
}

func newFixture(t *testing.T, install bool, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	modelPath := filepath.Join(dir, "a.gguf")
	require.NoError(t, os.WriteFile(modelPath, []byte("gguf"), 0o644))
	if install {
		supervisortest.Install(t, binDir, backend.CPU)
	}
	port := supervisortest.FreePort(t)
	cfg := Config{
		BinDir:       binDir,
		Host:         "127.0.0.1",
		Port:         port,
		CtxSize:      2048,
		BatchSize:    256,
		ReadyTimeout: 5 * time.Second,
		StopTimeout:  time.Second,
		PollInterval: 20 * time.Millisecond,
		SettleDelay:  50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pub := events.NewMemoryPublisher()
	s := New(cfg, pub, zerolog.Nop())
	t.Cleanup(func() { _ = s.Stop(false) })
	return &fixture{sup: s, pub: pub, model: registry.Model{FileName: "a.gguf", Path: modelPath, Available: true}, binDir: binDir, port: port}
}

func requireSubprocess(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	if runtime.GOOS == "windows" {
		t.Skip("fake server relies on symlinks and SIGTERM")
	}
}

func waitReady(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
}

func TestLaunch_MissingDependencies(t *testing.T) {
	f := newFixture(t, false, nil)
	err := f.sup.Launch(context.Background(), f.model, backend.CPU, false)
	require.Error(t, err)
	assert.True(t, IsDependencyUnavailable(err))

	missing := f.model
	missing.Path = filepath.Join(t.TempDir(), "gone.gguf")
	err = f.sup.Launch(context.Background(), missing, backend.CPU, false)
	assert.True(t, IsDependencyUnavailable(err))

	assert.Equal(t, 2, f.pub.Count(events.KindError))
	assert.Equal(t, NotRunning, f.sup.State())
	assert.False(t, f.sup.Alive())
	assert.ErrorIs(t, f.sup.WaitReady(context.Background()), ErrNotRunning)
}

func TestStop_NothingRunning(t *testing.T) {
	f := newFixture(t, false, nil)
	assert.NoError(t, f.sup.Stop(true))
	assert.NoError(t, f.sup.Stop(false))
	assert.Equal(t, NotRunning, f.sup.State())
	assert.Empty(t, f.pub.Events())
}

func TestLaunch_ReadyThenStop(t *testing.T) {
	requireSubprocess(t)
	t.Setenv(supervisortest.EnvMode, supervisortest.ModeServe)
	f := newFixture(t, true, nil)
	ready := make(chan uint64, 1)
	f.sup.SetHooks(Hooks{OnReady: func(gen uint64) { ready <- gen }})

	require.NoError(t, f.sup.Launch(context.Background(), f.model, backend.CPU, false))
	assert.True(t, f.sup.Alive())
	waitReady(t, f.sup)
	assert.Equal(t, uint64(1), <-ready)
	assert.Equal(t, Ready, f.sup.State())
	require.NoError(t, f.sup.Check(context.Background()))
	require.Eventually(t, func() bool { return f.sup.Info().ModelLoaded }, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 128.0, f.sup.Info().VRAMMB, 0.001)
	assert.Equal(t, 1, f.pub.Count(events.KindServerReady))

	require.NoError(t, f.sup.Stop(true))
	require.NoError(t, f.sup.Stop(true))
	assert.Equal(t, NotRunning, f.sup.State())
	assert.Zero(t, f.sup.Info().PID)
	assert.Equal(t, 0, f.pub.Count(events.KindError))
}

func TestLaunch_ReadinessTimeoutEmitsExactlyOneError(t *testing.T) {
	requireSubprocess(t)
	t.Setenv(supervisortest.EnvMode, supervisortest.ModeUnhealthy)
	f := newFixture(t, true, func(c *Config) { c.ReadyTimeout = 300 * time.Millisecond })

	require.NoError(t, f.sup.Launch(context.Background(), f.model, backend.CPU, false))
	require.Eventually(t, func() bool { return f.pub.Count(events.KindError) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, f.pub.Count(events.KindError))
	assert.Equal(t, 0, f.pub.Count(events.KindServerReady))
	// left running but unconfirmed
	assert.Equal(t, Starting, f.sup.State())
	assert.True(t, f.sup.Alive())
}

func TestLaunch_LateReadinessStillPromotes(t *testing.T) {
	requireSubprocess(t)
	t.Setenv(supervisortest.EnvMode, supervisortest.ModeServe)
	t.Setenv(supervisortest.EnvReadyDelay, "800")
	f := newFixture(t, true, func(c *Config) {
		c.ReadyTimeout = 300 * time.Millisecond
		c.LatePollInterval = 50 * time.Millisecond
	})
	ready := make(chan uint64, 1)
	f.sup.SetHooks(Hooks{OnReady: func(gen uint64) { ready <- gen }})

	require.NoError(t, f.sup.Launch(context.Background(), f.model, backend.CPU, false))
	require.Eventually(t, func() bool { return f.pub.Count(events.KindError) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, Starting, f.sup.State())

	waitReady(t, f.sup)
	select {
	case gen := <-ready:
		assert.Equal(t, uint64(1), gen)
	case <-time.After(time.Second):
		t.Fatal("ready hook not called")
	}
	assert.Equal(t, Ready, f.sup.State())
	assert.Equal(t, 1, f.pub.Count(events.KindServerReady))
	assert.Equal(t, 1, f.pub.Count(events.KindError))
}

func TestLaunch_EvictsStaleListener(t *testing.T) {
	requireSubprocess(t)
	f := newFixture(t, true, nil)

	exe, err := os.Executable()
	require.NoError(t, err)
	stale := exec.Command(exe, "--port", strconv.Itoa(f.port))
	stale.Env = append(os.Environ(), supervisortest.EnvMode+"="+supervisortest.ModeListen)
	require.NoError(t, stale.Start())
	staleDone := make(chan struct{})
	go func() { _ = stale.Wait(); close(staleDone) }()
	t.Cleanup(func() { _ = stale.Process.Kill() })
	require.Eventually(t, func() bool { return !portFree("127.0.0.1", f.port) }, 3*time.Second, 10*time.Millisecond)

	t.Setenv(supervisortest.EnvMode, supervisortest.ModeServe)
	require.NoError(t, f.sup.Launch(context.Background(), f.model, backend.CPU, false))
	waitReady(t, f.sup)

	select {
	case <-staleDone:
	case <-time.After(3 * time.Second):
		t.Fatal("stale listener still alive")
	}
	pids, err := listeningPIDs(context.Background(), f.port)
	require.NoError(t, err)
	assert.Equal(t, []int32{int32(f.sup.Info().PID)}, pids)
	assert.Equal(t, 1, f.pub.Count(events.KindWarning))
}

func TestUnexpectedExit(t *testing.T) {
	requireSubprocess(t)
	t.Setenv(supervisortest.EnvMode, supervisortest.ModeServe)
	t.Setenv(supervisortest.EnvExitAfter, "400")
	f := newFixture(t, true, nil)
	exits := make(chan int, 1)
	f.sup.SetHooks(Hooks{OnExit: func(gen uint64, code int) { exits <- code }})

	require.NoError(t, f.sup.Launch(context.Background(), f.model, backend.CPU, false))
	waitReady(t, f.sup)
	select {
	case code := <-exits:
		assert.Equal(t, supervisortest.ExitCode, code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit hook not called")
	}
	assert.Equal(t, Crashed, f.sup.State())
	assert.False(t, f.sup.Alive())
	errs := f.pub.OfKind(events.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, supervisortest.ExitCode, errs[0].Fields["exit_code"])

	require.NoError(t, f.sup.Stop(true))
	assert.Equal(t, NotRunning, f.sup.State())
}

func TestLaunch_ReplacesPreviousProcess(t *testing.T) {
	requireSubprocess(t)
	t.Setenv(supervisortest.EnvMode, supervisortest.ModeServe)
	f := newFixture(t, true, nil)

	require.NoError(t, f.sup.Launch(context.Background(), f.model, backend.CPU, false))
	waitReady(t, f.sup)
	first := f.sup.Info().PID

	require.NoError(t, f.sup.Launch(context.Background(), f.model, backend.CPU, false))
	waitReady(t, f.sup)
	info := f.sup.Info()
	assert.NotEqual(t, first, info.PID)
	assert.Equal(t, uint64(2), info.Generation)
	assert.Equal(t, 2, f.pub.Count(events.KindServerReady))
	assert.Equal(t, 0, f.pub.Count(events.KindError))
}

func TestBuildArgs(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 9000, CtxSize: 4096, BatchSize: 512, GPULayers: 33}, nil, zerolog.Nop())
	assert.Equal(t,
		[]string{"-m", "/m/a.gguf", "--port", "9000", "--host", "127.0.0.1", "-c", "4096", "-b", "512"},
		s.buildArgs("/m/a.gguf", backend.CPU))
	assert.Equal(t,
		[]string{"-m", "/m/a.gguf", "--port", "9000", "--host", "127.0.0.1", "-c", "4096", "-b", "512", "-ngl", "33"},
		s.buildArgs("/m/a.gguf", backend.CUDA))
	assert.Equal(t, "http://127.0.0.1:9000/health", s.HealthURL())
}

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		line string
		kind lineKind
		mib  float64
	}{
		{"main: model loaded", lineModelLoaded, 0},
		{"srv  init: couldn't bind HTTP server socket, hostname: 127.0.0.1, port: 8081", linePortConflict, 0},
		{"error: Address already in use", linePortConflict, 0},
		{"llm_load_tensors:        CUDA0 buffer size =  4403.50 MiB", lineBufferSize, 4403.5},
		{"llama_kv_cache_unified:    Vulkan0 KV buffer size =   256.00 MiB", lineBufferSize, 256},
		{"llm_load_tensors:   CPU_Mapped model buffer size =   281.81 MiB", lineOther, 0},
		{"slot update_slots: id  0 | task 0 | prompt done", lineOther, 0},
	}
	for _, tc := range cases {
		k, mib := classifyLine(tc.line)
		assert.Equal(t, tc.kind, k, tc.line)
		assert.InDelta(t, tc.mib, mib, 0.001, tc.line)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "shutting_down", ShuttingDown.String())
	assert.Equal(t, "unknown", State(42).String())
}
