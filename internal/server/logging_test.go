package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRequestLoggerGeneratesID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		if r.Header.Get(RequestIDHeader) != seen {
			t.Errorf("outbound header %q does not match context ID %q", r.Header.Get(RequestIDHeader), seen)
		}
		w.WriteHeader(http.StatusTeapot)
	})

	var buf bytes.Buffer
	rec := httptest.NewRecorder()
	RequestLogger(newJSONLogger(&buf))(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flow/list", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("request ID %q is not a UUID: %v", seen, err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response %s = %q, want %q", RequestIDHeader, got, seen)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "http request" {
		t.Errorf("msg = %v, want http request", entry["msg"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v, want 418", entry["status"])
	}
	if entry["path"] != "/flow/list" {
		t.Errorf("path = %v, want /flow/list", entry["path"])
	}
	if entry["request_id"] != seen {
		t.Errorf("request_id = %v, want %s", entry["request_id"], seen)
	}
}

func TestRequestLoggerKeepsIncomingID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()

	RequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestID(r.Context()); got != "abc-123" {
			t.Errorf("RequestID = %q, want abc-123", got)
		}
	})).ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("response ID = %q, want abc-123", got)
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantLevel string
	}{
		{name: "success logs at debug", code: http.StatusOK, wantLevel: "DEBUG"},
		{name: "client error logs at debug", code: http.StatusNotFound, wantLevel: "DEBUG"},
		{name: "bad gateway logs at warn", code: http.StatusBadGateway, wantLevel: "WARN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := RequestLogger(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log output is not JSON: %v", err)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
		})
	}
}

func TestStatusWriterStatus(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		upgrade bool
		want    int
	}{
		{name: "explicit code", code: http.StatusCreated, want: http.StatusCreated},
		{name: "nothing written", want: http.StatusOK},
		{name: "hijacked upgrade", upgrade: true, want: http.StatusSwitchingProtocols},
		{name: "rejected upgrade", code: http.StatusBadRequest, upgrade: true, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &statusWriter{ResponseWriter: httptest.NewRecorder(), code: tt.code}
			if got := s.status(tt.upgrade); got != tt.want {
				t.Errorf("status(%v) = %d, want %d", tt.upgrade, got, tt.want)
			}
		})
	}
}
