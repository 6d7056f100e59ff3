package health

import (
	"encoding/json"
	"net/http"

	"github.com/openoa/devserver/internal/proxy"
	"github.com/openoa/devserver/internal/state"
)

// Targets lists the upstream of every rule in table, for Store.Replace.
func Targets(table *proxy.Table) []state.Target {
	rules := table.Rules()
	targets := make([]state.Target, 0, len(rules))
	for _, r := range rules {
		targets = append(targets, state.Target{
			Rule: r.Context,
			URL:  r.Target.String(),
		})
	}
	return targets
}

// StatusReader exposes a snapshot of target health and config problems.
type StatusReader interface {
	All() []state.Target
	ConfigErrors() []string
}

// StatusHandler serves the current target health and config errors as JSON.
func StatusHandler(reader StatusReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(struct {
			Targets      []state.Target `json:"targets"`
			ConfigErrors []string       `json:"configErrors"`
		}{Targets: reader.All(), ConfigErrors: reader.ConfigErrors()})
	})
}
