package sse

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/openoa/devserver/internal/state"
)

// StatePayload is the full snapshot sent as the initial "state" event and
// again whenever the config errors change.
type StatePayload struct {
	Version      string         `json:"version"`
	Targets      []state.Target `json:"targets"`
	ConfigErrors []string       `json:"configErrors"`
}

// RemovedPayload identifies the rule of a "removed" event.
type RemovedPayload struct {
	Rule string `json:"rule"`
}

// formatEvent formats an SSE event with the given type and JSON-encoded data.
func formatEvent(eventType string, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal SSE event data: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", eventType, jsonData)
	return buf.Bytes(), nil
}

func formatKeepalive() []byte {
	return []byte(":keepalive\n\n")
}
