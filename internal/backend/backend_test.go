package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installServer(t *testing.T, binDir string, k Kind) string {
	t.Helper()
	p := ExecutablePath(binDir, k)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	return p
}

func newTestSelector(binDir string, probeErr error) (*Selector, *int) {
	calls := 0
	s := NewSelector(binDir, zerolog.Nop())
	s.Probe = func(ctx context.Context) error {
		calls++
		return probeErr
	}
	return s, &calls
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": "", "auto": "", "CPU": CPU, "cuda": CUDA, "gpu": CUDA, "Vulkan": Vulkan} {
		k, ok := ParseKind(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, k, in)
	}
	_, ok := ParseKind("metal")
	assert.False(t, ok)
}

func TestDetect_OverrideSkipsProbe(t *testing.T) {
	s, calls := newTestSelector(t.TempDir(), nil)
	assert.Equal(t, Vulkan, s.Detect(context.Background(), "vulkan"))
	assert.Equal(t, CPU, s.Detect(context.Background(), "cpu"))
	assert.Equal(t, 0, *calls)
}

func TestDetect_ProbeSuccessSelectsCUDA(t *testing.T) {
	s, calls := newTestSelector(t.TempDir(), nil)
	assert.Equal(t, CUDA, s.Detect(context.Background(), "auto"))
	assert.Equal(t, 1, *calls)
}

func TestDetect_VulkanWhenExecutableInstalled(t *testing.T) {
	dir := t.TempDir()
	installServer(t, dir, Vulkan)
	s, _ := newTestSelector(dir, errors.New("no nvidia-smi"))
	assert.Equal(t, Vulkan, s.Detect(context.Background(), ""))
}

func TestDetect_FallsBackToCPU(t *testing.T) {
	s, _ := newTestSelector(t.TempDir(), errors.New("exec: not found"))
	assert.Equal(t, CPU, s.Detect(context.Background(), "unknown-pref"))
}

func TestExecutablePathAndSanity(t *testing.T) {
	dir := t.TempDir()
	p := ExecutablePath(dir, CPU)
	want := "llama-server"
	if runtime.GOOS == "windows" {
		want += ".exe"
	}
	assert.Equal(t, filepath.Join(dir, "cpu", want), p)
	installServer(t, dir, CPU)
	s, _ := newTestSelector(dir, nil)
	found := map[Kind]bool{}
	for _, e := range s.Sanity() {
		found[e.Backend] = e.Found
	}
	assert.Equal(t, map[Kind]bool{CPU: true, CUDA: false, Vulkan: false}, found)
	assert.True(t, CUDA.IsGPU())
	assert.False(t, CPU.IsGPU())
}
