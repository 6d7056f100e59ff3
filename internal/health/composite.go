package health

import (
	"context"
	"net/url"

	"github.com/openoa/devserver/internal/state"
)

// EndpointReadiness is the EndpointSlice readiness behind a k8s:// target.
// A nil pointer means no EndpointSlice data is available (HTTP-only).
type EndpointReadiness struct {
	Ready int
	Total int
}

// ReadinessReporter is implemented by resolvers that can count the
// endpoints behind a dynamic target.
type ReadinessReporter interface {
	Readiness(ctx context.Context, target *url.URL) (ready, total int, err error)
}

func hasReadyEndpoints(er *EndpointReadiness) bool {
	return er != nil && er.Ready > 0
}

// CompositeStatus fuses an HTTP probe result with EndpointSlice readiness.
//
// Truth table:
//
//	HTTP probe   | Endpoints        | Composite
//	reachable    | all ready        | reachable
//	reachable    | some not ready   | degraded
//	unreachable  | some ready       | degraded
//	any          | none ready       | unreachable
//	any          | no data          | HTTP-only fallback
func CompositeStatus(httpStatus state.TargetStatus, er *EndpointReadiness) state.TargetStatus {
	if er == nil {
		return httpStatus
	}
	if !hasReadyEndpoints(er) {
		return state.StatusUnreachable
	}
	if httpStatus == state.StatusReachable && er.Ready >= er.Total {
		return state.StatusReachable
	}
	return state.StatusDegraded
}
