// Package supervisortest provides a fake inference server for tests. The fake
// is the test binary itself, re-executed under the server's conventional
// executable path with a mode selected by environment variable.
package supervisortest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"inferd/internal/backend"
)

// Environment variables read by the fake server.
const (
	EnvMode = "INFERD_FAKE_SERVER"
	// EnvReadyDelay delays healthy /health responses (milliseconds).
	EnvReadyDelay = "INFERD_FAKE_READY_MS"
	// EnvExitAfter makes the server exit with code 3 after the delay (milliseconds).
	EnvExitAfter = "INFERD_FAKE_EXIT_MS"
	// EnvReplyDelay delays every chat completion (milliseconds).
	EnvReplyDelay = "INFERD_FAKE_REPLY_MS"
)

// Modes for EnvMode.
const (
	ModeServe     = "serve"
	ModeUnhealthy = "unhealthy"
	// ModeListen only holds the port, like a stale server from an earlier run.
	ModeListen = "listen"
)

// ExitCode is returned by a fake configured with EnvExitAfter.
const ExitCode = 3

// RunIfHelper turns the current process into the fake server when EnvMode is
// set. Call it first thing in TestMain.
func RunIfHelper() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode, os.Args[1:]))
}

// Install links the running test binary to the server path for kind under binDir.
func Install(tb testing.TB, binDir string, kind backend.Kind) string {
	tb.Helper()
	exe, err := os.Executable()
	if err != nil {
		tb.Fatalf("executable: %v", err)
	}
	path := backend.ExecutablePath(binDir, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(exe, path); err != nil {
		tb.Fatalf("symlink: %v", err)
	}
	return path
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(tb testing.TB) int {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func envMillis(key string) time.Duration {
	n, _ := strconv.Atoi(os.Getenv(key))
	return time.Duration(n) * time.Millisecond
}

func run(mode string, args []string) int {
	host, port := "127.0.0.1", 0
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--host":
			host = args[i+1]
		case "--port":
			port, _ = strconv.Atoi(args[i+1])
		}
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't bind HTTP server socket: %v (address already in use)\n", err)
		return 1
	}
	if mode == ModeListen {
		return hold(l)
	}
	fmt.Fprintln(os.Stderr, "llm_load_tensors:      CUDA0 model buffer size =   100.00 MiB")
	fmt.Fprintln(os.Stderr, "llm_load_tensors:  CPU_Mapped model buffer size =    50.00 MiB")
	fmt.Fprintln(os.Stderr, "llama_kv_cache:      CUDA0 KV buffer size =    28.00 MiB")

	var ready atomic.Bool
	go func() {
		time.Sleep(envMillis(EnvReadyDelay))
		if mode != ModeUnhealthy {
			ready.Store(true)
			fmt.Fprintln(os.Stderr, "main: model loaded")
		}
	}()
	if d := envMillis(EnvExitAfter); d > 0 {
		go func() {
			time.Sleep(d)
			os.Exit(ExitCode)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"loading model"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		time.Sleep(envMillis(EnvReplyDelay))
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		content := Reply(last)
		resp := map[string]any{"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	if err := http.Serve(l, mux); err != nil && !strings.Contains(err.Error(), "closed") {
		return 1
	}
	return 0
}

// hold keeps the listener open until the process is killed.
func hold(l net.Listener) int {
	for {
		time.Sleep(time.Hour)
		_ = l.Addr()
	}
}

// Reply is the completion the fake returns for a user message. Messages
// containing "garbage" get a non-JSON reply.
func Reply(userContent string) string {
	if strings.Contains(userContent, "garbage") {
		return "I am not JSON"
	}
	b, _ := json.Marshal(map[string]string{"verdict": "accept", "reason": userContent})
	return "```json\n" + string(b) + "\n```"
}
