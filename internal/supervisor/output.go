package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"inferd/internal/events"
)

// bufferSizeRE matches llama.cpp allocation lines such as
// "llm_load_tensors:      CUDA0 buffer size =  4403.50 MiB".
var bufferSizeRE = regexp.MustCompile(`(?i)(\S+)\s+(?:model |compute |kv )?buffer size\s*=\s*([0-9]+(?:\.[0-9]+)?)\s*MiB`)

// lineKind classifies one line of server output.
type lineKind int

const (
	lineOther lineKind = iota
	lineModelLoaded
	linePortConflict
	lineBufferSize
)

// classifyLine returns the kind of line and, for buffer lines, the device
// MiB it reports. Host-side (CPU) buffers are not counted as VRAM.
func classifyLine(line string) (lineKind, float64) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "address already in use"), strings.Contains(lower, "couldn't bind"):
		return linePortConflict, 0
	case strings.Contains(lower, "model loaded"):
		return lineModelLoaded, 0
	}
	if m := bufferSizeRE.FindStringSubmatch(line); m != nil {
		if strings.HasPrefix(strings.ToUpper(m[1]), "CPU") {
			return lineOther, 0
		}
		mib, err := strconv.ParseFloat(m[2], 64)
		if err == nil {
			return lineBufferSize, mib
		}
	}
	return lineOther, 0
}

func (s *Supervisor) scan(gen uint64, stream string, r io.Reader, debug bool, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if debug {
			s.debug.Info().Str("stream", stream).Uint64("gen", gen).Msg(line)
		}
		s.handleLine(gen, line)
	}
	// keep the pipe drained if the scanner gave up on an oversized line
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) handleLine(gen uint64, line string) {
	kind, mib := classifyLine(line)
	if kind == lineOther {
		return
	}
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	switch kind {
	case lineModelLoaded:
		s.modelLoaded = true
	case lineBufferSize:
		s.vramMB += mib
	}
	s.mu.Unlock()

	switch kind {
	case lineModelLoaded:
		s.log.Info().Str("event", "model_loaded").Uint64("gen", gen).Msg("")
	case linePortConflict:
		s.log.Error().Str("event", "port_conflict").Uint64("gen", gen).Int("port", s.cfg.Port).Msg(line)
		s.pub.Publish(events.Event{Kind: events.KindError, Source: "supervisor",
			Text:   fmt.Sprintf("port %d already in use; inference server stopped", s.cfg.Port),
			Fields: map[string]any{"generation": gen}})
		go s.stopGeneration(gen)
	}
}

// stopGeneration stops the process only if it is still generation gen.
func (s *Supervisor) stopGeneration(gen uint64) {
	if s.Generation() != gen {
		return
	}
	_ = s.Stop(false)
}
