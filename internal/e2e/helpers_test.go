package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/events"
	"inferd/internal/health"
	"inferd/internal/httpapi"
	"inferd/internal/inference"
	"inferd/internal/orchestrator"
	"inferd/internal/registry"
	"inferd/internal/supervisor"
	"inferd/internal/supervisor/supervisortest"
)

// createTempModelsDir creates a temporary directory populated with placeholder
// model files and returns its path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

type stack struct {
	srv  *httptest.Server
	orch *orchestrator.Service
	bus  *events.Broadcaster
}

// newStack wires the real supervisor, against the fake server, behind the HTTP API.
// Callers set supervisortest env vars before calling it.
func newStack(t *testing.T, models ...string) *stack {
	t.Helper()
	modelsDir := createTempModelsDir(t, models...)
	binDir := filepath.Join(t.TempDir(), "bin")
	supervisortest.Install(t, binDir, backend.CPU)

	log := zerolog.Nop()
	bus := events.NewBroadcaster(log)
	sup := supervisor.New(supervisor.Config{
		BinDir:       binDir,
		Port:         supervisortest.FreePort(t),
		ReadyTimeout: 5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		SettleDelay:  20 * time.Millisecond,
		StopTimeout:  time.Second,
	}, bus, log)
	orch := orchestrator.New(orchestrator.Options{
		BackendPreference: "cpu",
		DispatchWait:      5 * time.Second,
		Health:            health.Config{Interval: 100 * time.Millisecond, Timeout: 500 * time.Millisecond},
	}, orchestrator.Deps{
		Registry:   registry.New(modelsDir, ".gguf"),
		Supervisor: sup,
		Client:     inference.NewClient(sup.BaseURL(), bus, log),
		Detector:   backend.NewSelector(binDir, log),
		Publisher:  bus,
	}, log)
	srv := httptest.NewServer(httpapi.NewMux(httpapi.NewService(orch, bus)))

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		bus.Close()
	})
	return &stack{srv: srv, orch: orch, bus: bus}
}

func (s *stack) dialEvents(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil collects stream events up to and including the first of kind.
func readUntil(t *testing.T, conn *websocket.Conn, kind events.Kind) []events.Event {
	t.Helper()
	var got []events.Event
	deadline := time.Now().Add(15 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("deadline: %v", err)
		}
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read event (have %d): %v", len(got), err)
		}
		got = append(got, e)
		if e.Kind == kind {
			return got
		}
	}
}

func ofKind(evs []events.Event, kind events.Kind) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
