package e2e

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"inferd/internal/events"
	"inferd/internal/supervisor/supervisortest"
	"inferd/pkg/types"
)

func TestMain(m *testing.M) {
	supervisortest.RunIfHelper()
	os.Exit(m.Run())
}

func skipUnlessSpawning(t *testing.T) {
	t.Helper()
	if testing.Short() || runtime.GOOS == "windows" {
		t.Skip("spawns the fake inference server")
	}
	t.Setenv(supervisortest.EnvMode, supervisortest.ModeServe)
	t.Setenv(supervisortest.EnvReadyDelay, "100")
}

func getStatus(t *testing.T, s *stack) types.StatusResponse {
	t.Helper()
	resp, body := httpGet(t, s.srv.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

// TestE2E_AnalyzeStreamsResults cold-starts the server through POST /analyze and
// follows the job on the websocket stream.
func TestE2E_AnalyzeStreamsResults(t *testing.T) {
	skipUnlessSpawning(t)
	s := newStack(t, "alpha.gguf")
	conn := s.dialEvents(t)

	resp, body := httpPostJSON(t, s.srv.URL+"/analyze", `{"items":["first","garbage second"],"context":{"src":"e2e"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("analyze status=%d body=%s", resp.StatusCode, body)
	}
	var job types.JobResponse
	if err := json.Unmarshal(body, &job); err != nil || job.JobID == "" {
		t.Fatalf("job response %s: %v", body, err)
	}

	evs := readUntil(t, conn, events.KindAllFinished)
	results := ofKind(evs, events.KindResult)
	if len(results) != 2 {
		t.Fatalf("results=%d events=%+v", len(results), evs)
	}
	for i, r := range results {
		if r.JobID != job.JobID || r.Index != i || r.Context["src"] != "e2e" {
			t.Fatalf("result %d: %+v", i, r)
		}
		var v map[string]any
		if err := json.Unmarshal([]byte(r.Text), &v); err != nil {
			t.Fatalf("result %d not JSON: %q", i, r.Text)
		}
	}
	var first, second map[string]any
	_ = json.Unmarshal([]byte(results[0].Text), &first)
	_ = json.Unmarshal([]byte(results[1].Text), &second)
	if first["verdict"] != "accept" || !strings.Contains(first["reason"].(string), "first") {
		t.Fatalf("first result: %v", first)
	}
	if second["verdict"] != "reject" {
		t.Fatalf("unparseable reply should fall back to reject: %v", second)
	}
	if n := len(ofKind(evs, events.KindServerReady)); n != 1 {
		t.Fatalf("server_ready events=%d", n)
	}
	if n := len(ofKind(evs, events.KindJobFinished)); n != 1 {
		t.Fatalf("job_finished events=%d", n)
	}

	st := getStatus(t, s)
	if st.State != "ready" || st.Model != "alpha.gguf" || st.Backend != "cpu" || st.Busy {
		t.Fatalf("status after job: %+v", st)
	}
	if st.Resources.VRAMMB <= 0 {
		t.Fatalf("expected VRAM estimate from server output: %+v", st.Resources)
	}
}

func TestE2E_ChatWaitsForReply(t *testing.T) {
	skipUnlessSpawning(t)
	s := newStack(t, "alpha.gguf")

	resp, body := httpPostJSON(t, s.srv.URL+"/chat", `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hello there"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", resp.StatusCode, body)
	}
	var chat types.ChatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if chat.JobID == "" || !strings.Contains(chat.Reply, "hello there") {
		t.Fatalf("chat reply: %+v", chat)
	}
}

// TestE2E_BusyThenStop checks single-flight rejection and that /stop cancels work
// and takes the server down.
func TestE2E_BusyThenStop(t *testing.T) {
	skipUnlessSpawning(t)
	t.Setenv(supervisortest.EnvReplyDelay, "2000")
	s := newStack(t, "alpha.gguf")

	resp, body := httpPostJSON(t, s.srv.URL+"/analyze", `{"items":["a","b","c"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("analyze status=%d body=%s", resp.StatusCode, body)
	}
	resp, body = httpPostJSON(t, s.srv.URL+"/analyze", `{"items":["late"]}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second analyze status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = httpPostJSON(t, s.srv.URL+"/stop", `{}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status=%d", resp.StatusCode)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := getStatus(t, s)
		if !st.Busy && st.State == "not_running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still running after stop: %+v", st)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestE2E_SelectModel(t *testing.T) {
	skipUnlessSpawning(t)
	s := newStack(t, "alpha.gguf", "beta.gguf")

	resp, _ := httpPostJSON(t, s.srv.URL+"/models/select", `{"model":"missing.gguf"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("select missing status=%d", resp.StatusCode)
	}
	resp, body := httpPostJSON(t, s.srv.URL+"/models/select", `{"model":"beta.gguf"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("select status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = httpGet(t, s.srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("models status=%d", resp.StatusCode)
	}
	var models types.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	selected := ""
	for _, m := range models.Models {
		if m.Selected {
			selected = m.FileName
		}
	}
	if len(models.Models) != 2 || selected != "beta.gguf" {
		t.Fatalf("models: %+v", models.Models)
	}

	// The server stays down until work arrives, then launches the selection.
	conn := s.dialEvents(t)
	resp, _ = httpPostJSON(t, s.srv.URL+"/analyze", `{"items":["x"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("analyze status=%d", resp.StatusCode)
	}
	readUntil(t, conn, events.KindAllFinished)
	if st := getStatus(t, s); st.Model != "beta.gguf" {
		t.Fatalf("launched model=%q", st.Model)
	}
}
