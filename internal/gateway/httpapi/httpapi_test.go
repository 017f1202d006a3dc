package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nexabank/advisor/internal/ratelimit"
	"github.com/nexabank/advisor/internal/workflow"
)

// scriptedEngine replays canned events into the sink and returns a fixed result.
type scriptedEngine struct {
	result *workflow.Result
	err    error
	events []workflow.Event
}

var _ Engine = (*scriptedEngine)(nil)

func (s *scriptedEngine) Run(_ context.Context, _ string, sink workflow.Sink) (*workflow.Result, error) {
	for _, ev := range s.events {
		if sink != nil {
			sink(ev)
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okResult() *workflow.Result {
	return &workflow.Result{
		RunID:        "run-1",
		FinalAnswer:  "The savings rate is 4.1% AER.",
		ReviewPasses: 1,
	}
}

// freeAddr reserves an ephemeral loopback address for the test server.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving address: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// startGateway runs the gateway and blocks until it answers liveness probes.
func startGateway(t *testing.T, gw *Gateway) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = gw.Start(ctx) }()
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = gw.Stop(stopCtx)
		cancel()
	})

	base := "http://" + gw.config.ListenAddr
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("gateway did not become ready")
	return ""
}

func postAsk(t *testing.T, url, apiKey, question string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(AskRequest{Question: question})
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sending request: %v", err)
	}
	return resp
}

func TestAuthenticate(t *testing.T) {
	gw := NewGateway(Config{
		ListenAddr: freeAddr(t),
		APIKeys:    map[string]string{"sekret": "client-a"},
	}, &scriptedEngine{result: okResult()}, nil, discardLogger())
	base := startGateway(t, gw)

	// Missing Authorization header.
	resp := postAsk(t, base+"/v1/ask", "", "What is the savings rate?")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", resp.StatusCode)
	}

	// Wrong key.
	resp = postAsk(t, base+"/v1/ask", "wrong", "What is the savings rate?")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", resp.StatusCode)
	}

	// Valid key.
	resp = postAsk(t, base+"/v1/ask", "sekret", "What is the savings rate?")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid key: status = %d, want 200", resp.StatusCode)
	}
	var ask AskResponse
	if err := json.NewDecoder(resp.Body).Decode(&ask); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if ask.Answer != "The savings rate is 4.1% AER." {
		t.Errorf("unexpected answer: %q", ask.Answer)
	}
	if ask.RunID != "run-1" {
		t.Errorf("unexpected run id: %q", ask.RunID)
	}

	// Probes stay unauthenticated.
	probe, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("liveness probe: %v", err)
	}
	probe.Body.Close()
	if probe.StatusCode != http.StatusOK {
		t.Errorf("liveness without key: status = %d, want 200", probe.StatusCode)
	}
}

func TestAsk_RateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60, BurstSize: 1})
	gw := NewGateway(Config{
		ListenAddr: freeAddr(t),
	}, &scriptedEngine{result: okResult()}, limiter, discardLogger())
	base := startGateway(t, gw)

	resp := postAsk(t, base+"/v1/ask", "", "first")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", resp.StatusCode)
	}

	resp = postAsk(t, base+"/v1/ask", "", "second")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", resp.StatusCode)
	}
}

func TestAsk_BlankQuestion(t *testing.T) {
	gw := NewGateway(Config{
		ListenAddr: freeAddr(t),
	}, &scriptedEngine{result: okResult()}, nil, discardLogger())
	base := startGateway(t, gw)

	resp := postAsk(t, base+"/v1/ask", "", "   ")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAskStream_EventOrder(t *testing.T) {
	engine := &scriptedEngine{
		result: okResult(),
		events: []workflow.Event{
			{Type: workflow.EventOutline, RunID: "run-1", Message: "plan"},
			{Type: workflow.EventSubQuestions, RunID: "run-1", Questions: []string{"q1", "q2"}},
			{Type: workflow.EventAnswer, RunID: "run-1", Question: "q1", Answer: "a1", Tool: "rates"},
			{Type: workflow.EventAnswer, RunID: "run-1", Question: "q2", Answer: "a2", Tool: "rates"},
			{Type: workflow.EventReview, RunID: "run-1", Message: "OKAY"},
		},
	}
	gw := NewGateway(Config{
		ListenAddr: freeAddr(t),
	}, engine, nil, discardLogger()).WithSSE(true)
	base := startGateway(t, gw)

	resp := postAsk(t, base+"/v1/ask/stream", "", "What is the savings rate?")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}

	var names []string
	for _, line := range strings.Split(string(raw), "\n") {
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}

	want := []string{"outline", "sub_questions", "answer", "answer", "review", "done"}
	if len(names) != len(want) {
		t.Fatalf("event names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, names[i], want[i], names)
		}
	}
}
