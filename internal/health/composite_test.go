package health

import (
	"testing"

	"github.com/openoa/devserver/internal/state"
)

func TestCompositeStatus_TruthTable(t *testing.T) {
	tests := []struct {
		name       string
		httpStatus state.TargetStatus
		er         *EndpointReadiness
		want       state.TargetStatus
	}{
		{
			name:       "reachable_all_ready",
			httpStatus: state.StatusReachable,
			er:         &EndpointReadiness{Ready: 2, Total: 2},
			want:       state.StatusReachable,
		},
		{
			name:       "reachable_some_not_ready",
			httpStatus: state.StatusReachable,
			er:         &EndpointReadiness{Ready: 1, Total: 3},
			want:       state.StatusDegraded,
		},
		{
			name:       "unreachable_some_ready",
			httpStatus: state.StatusUnreachable,
			er:         &EndpointReadiness{Ready: 2, Total: 2},
			want:       state.StatusDegraded,
		},
		{
			name:       "reachable_none_ready",
			httpStatus: state.StatusReachable,
			er:         &EndpointReadiness{Ready: 0, Total: 2},
			want:       state.StatusUnreachable,
		},
		{
			name:       "unreachable_no_endpoints",
			httpStatus: state.StatusUnreachable,
			er:         &EndpointReadiness{},
			want:       state.StatusUnreachable,
		},
		{
			name:       "reachable_no_data",
			httpStatus: state.StatusReachable,
			want:       state.StatusReachable,
		},
		{
			name:       "unreachable_no_data",
			httpStatus: state.StatusUnreachable,
			want:       state.StatusUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompositeStatus(tt.httpStatus, tt.er); got != tt.want {
				t.Errorf("CompositeStatus(%q, %+v) = %q, want %q", tt.httpStatus, tt.er, got, tt.want)
			}
		})
	}
}
