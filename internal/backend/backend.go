// Package backend decides which compute path the inference server is launched with.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
)

// Kind is the compute backend.
type Kind string

const (
	CPU    Kind = "cpu"
	CUDA   Kind = "cuda"
	Vulkan Kind = "vulkan"
)

// All lists backends in probe-preference order.
var All = []Kind{CUDA, Vulkan, CPU}

// IsGPU reports whether k offloads layers to a GPU.
func (k Kind) IsGPU() bool { return k == CUDA || k == Vulkan }

// ParseKind parses a preference string. "auto" and "" return ok with an empty Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", true
	case "cpu":
		return CPU, true
	case "cuda", "gpu":
		return CUDA, true
	case "vulkan":
		return Vulkan, true
	}
	return "", false
}

// ServerBinary is the inference server executable name without platform suffix.
const ServerBinary = "llama-server"

// ExecutableName returns the server executable name for goos.
func ExecutableName(goos string) string {
	if goos == "windows" {
		return ServerBinary + ".exe"
	}
	return ServerBinary
}

// ExecutablePath returns the conventional location of the server for k:
// <binDir>/<kind>/llama-server[.exe].
func ExecutablePath(binDir string, k Kind) string {
	dir, err := fsutil.ExpandHome(binDir)
	if err != nil {
		dir = binDir
	}
	return filepath.Join(dir, string(k), ExecutableName(runtime.GOOS))
}

// Prober runs a GPU diagnostic. A nil error means a usable CUDA device was found.
type Prober func(ctx context.Context) error

// NvidiaSMIProbe queries nvidia-smi for device names. A missing binary is a probe failure.
func NvidiaSMIProbe(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return fmt.Errorf("nvidia-smi: %w", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return errors.New("nvidia-smi reported no devices")
	}
	return nil
}

const defaultProbeTimeout = 5 * time.Second

// Selector resolves the backend for a launch.
type Selector struct {
	BinDir       string
	Probe        Prober
	ProbeTimeout time.Duration
	log          zerolog.Logger
}

// NewSelector returns a selector probing with nvidia-smi.
func NewSelector(binDir string, log zerolog.Logger) *Selector {
	return &Selector{BinDir: binDir, Probe: NvidiaSMIProbe, ProbeTimeout: defaultProbeTimeout, log: log}
}

// Detect resolves the backend. A valid manual preference wins outright; otherwise a
// successful GPU probe selects CUDA, an installed Vulkan server selects Vulkan, and
// everything else falls back to CPU.
func (s *Selector) Detect(ctx context.Context, preference string) Kind {
	if k, ok := ParseKind(preference); ok && k != "" {
		s.log.Info().Str("event", "backend_override").Str("backend", string(k)).Msg("")
		return k
	} else if !ok {
		s.log.Warn().Str("event", "backend_unknown").Str("preference", preference).Msg("ignoring unknown backend preference")
	}
	if s.Probe != nil {
		timeout := s.ProbeTimeout
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := s.Probe(pctx)
		cancel()
		if err == nil {
			s.log.Info().Str("event", "backend_detected").Str("backend", string(CUDA)).Msg("")
			return CUDA
		}
		s.log.Debug().Str("event", "gpu_probe_failed").Err(err).Msg("")
	}
	if fsutil.IsFile(ExecutablePath(s.BinDir, Vulkan)) {
		s.log.Info().Str("event", "backend_detected").Str("backend", string(Vulkan)).Msg("")
		return Vulkan
	}
	s.log.Info().Str("event", "backend_detected").Str("backend", string(CPU)).Msg("")
	return CPU
}

// SanityEntry describes whether a backend's server executable is installed.
type SanityEntry struct {
	Backend Kind   `json:"backend"`
	Path    string `json:"path"`
	Found   bool   `json:"found"`
}

// Sanity reports installed server executables for every backend.
// It does not mutate state and is safe to call at any time.
func (s *Selector) Sanity() []SanityEntry {
	out := make([]SanityEntry, 0, len(All))
	for _, k := range All {
		p := ExecutablePath(s.BinDir, k)
		out = append(out, SanityEntry{Backend: k, Path: p, Found: fsutil.IsFile(p)})
	}
	return out
}
