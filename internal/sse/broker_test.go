package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openoa/devserver/internal/state"
)

type sseEvent struct {
	eventType string
	data      string
}

// readEvent reads the next event from scanner, skipping keepalive comments.
func readEvent(t *testing.T, scanner *bufio.Scanner) sseEvent {
	t.Helper()
	var evt sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			evt.eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.data = strings.TrimPrefix(line, "data: ")
		case line == "" && evt.eventType != "":
			return evt
		}
	}
	t.Fatalf("stream ended before an event was read: %v", scanner.Err())
	return evt
}

func startBroker(t *testing.T, store *state.Store, keepalive time.Duration) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	broker := newBrokerWithKeepalive(store, nil, "v0.1.0", keepalive)
	ctx, cancel := context.WithCancel(context.Background())
	go broker.Run(ctx)
	ts := httptest.NewServer(broker)
	t.Cleanup(ts.Close)
	t.Cleanup(cancel)
	return ts, cancel
}

func connect(t *testing.T, url string) (*http.Response, *bufio.Scanner) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewScanner(resp.Body)
}

func TestBrokerInitialStateEvent(t *testing.T) {
	store := state.NewStore()
	store.Replace([]state.Target{
		{Rule: "/api", URL: "http://localhost:8081"},
		{Rule: "/upload", URL: "http://localhost:9000"},
	})
	store.SetConfigErrors([]string{`server.proxy["/bad"].target: required field missing`})
	ts, _ := startBroker(t, store, 0)

	resp, scanner := connect(t, ts.URL)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected Content-Type text/event-stream, got %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("expected Cache-Control no-cache, got %q", cc)
	}

	evt := readEvent(t, scanner)
	if evt.eventType != "state" {
		t.Fatalf("expected event type 'state', got %q", evt.eventType)
	}
	var payload StatePayload
	if err := json.Unmarshal([]byte(evt.data), &payload); err != nil {
		t.Fatalf("failed to unmarshal state payload: %v", err)
	}
	if len(payload.Targets) != 2 || payload.Targets[0].Rule != "/api" {
		t.Errorf("unexpected targets %+v", payload.Targets)
	}
	if payload.Version != "v0.1.0" {
		t.Errorf("version = %q, want v0.1.0", payload.Version)
	}
	if len(payload.ConfigErrors) != 1 {
		t.Errorf("configErrors = %v, want 1 entry", payload.ConfigErrors)
	}
}

func TestBrokerStreamsStoreChanges(t *testing.T) {
	store := state.NewStore()
	ts, _ := startBroker(t, store, 0)
	_, scanner := connect(t, ts.URL)
	readEvent(t, scanner) // initial state

	store.Replace([]state.Target{{Rule: "/api", URL: "http://localhost:8081"}})
	evt := readEvent(t, scanner)
	if evt.eventType != "target" || !strings.Contains(evt.data, `"status":"unknown"`) {
		t.Fatalf("expected target event with unknown status, got %+v", evt)
	}

	store.Update("/api", "http://localhost:8081", func(tg *state.Target) { tg.Status = state.StatusReachable })
	evt = readEvent(t, scanner)
	var target state.Target
	if err := json.Unmarshal([]byte(evt.data), &target); err != nil {
		t.Fatalf("unmarshal target: %v", err)
	}
	if evt.eventType != "target" || target.Status != state.StatusReachable {
		t.Fatalf("expected reachable target event, got %+v", evt)
	}

	store.Replace(nil)
	evt = readEvent(t, scanner)
	if evt.eventType != "removed" || evt.data != `{"rule":"/api"}` {
		t.Fatalf("expected removed event, got %+v", evt)
	}

	store.SetConfigErrors([]string{"boom"})
	evt = readEvent(t, scanner)
	if evt.eventType != "state" || !strings.Contains(evt.data, `"configErrors":["boom"]`) {
		t.Fatalf("expected state event with config errors, got %+v", evt)
	}
}

func TestBrokerKeepalive(t *testing.T) {
	ts, _ := startBroker(t, state.NewStore(), 30*time.Millisecond)
	_, scanner := connect(t, ts.URL)
	readEvent(t, scanner)

	deadline := time.Now().Add(2 * time.Second)
	for scanner.Scan() {
		if scanner.Text() == ":keepalive" {
			return
		}
		if time.Now().After(deadline) {
			break
		}
	}
	t.Fatal("no keepalive received")
}

func TestBrokerShutdownEndsStreams(t *testing.T) {
	ts, cancel := startBroker(t, state.NewStore(), 0)
	_, scanner := connect(t, ts.URL)
	readEvent(t, scanner)

	cancel()

	done := make(chan struct{})
	go func() {
		for scanner.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after broker shutdown")
	}
}

func TestBrokerStopsWhenFlushUnsupported(t *testing.T) {
	broker := NewBroker(state.NewStore(), nil, "v0.1.0")

	// Embedding hides the recorder's Flush method.
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		broker.ServeHTTP(struct{ http.ResponseWriter }{rec}, httptest.NewRequest(http.MethodGet, "/", nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP kept streaming without flush support")
	}
	if !strings.HasPrefix(rec.Body.String(), "event: state\n") {
		t.Errorf("body = %q, want initial state event", rec.Body.String())
	}
}

func TestFormatEvent(t *testing.T) {
	data, err := formatEvent("removed", RemovedPayload{Rule: "/api"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "event: removed\ndata: {\"rule\":\"/api\"}\n\n" {
		t.Errorf("unexpected format %q", data)
	}

	if _, err := formatEvent("bad", math.Inf(1)); err == nil {
		t.Error("expected marshal error for +Inf")
	}
}
