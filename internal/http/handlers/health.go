package handlers

import (
	"net/http"
	"time"

	"github.com/iago/longform/internal/resilience"
)

type breakerView struct {
	Name            string           `json:"name"`
	State           resilience.State `json:"state"`
	FailureCount    int              `json:"failure_count"`
	LastFailureTime *time.Time       `json:"last_failure_time,omitempty"`
}

// Health reports "degraded" while any capability breaker is open. The
// status code stays 200 so jobs can still be queried and resumed.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	breakers := make([]breakerView, 0)
	if api.breakers != nil {
		for _, snapshot := range api.breakers.Snapshots() {
			view := breakerView{Name: snapshot.Name, State: snapshot.State, FailureCount: snapshot.FailureCount}
			if !snapshot.LastFailureTime.IsZero() {
				last := snapshot.LastFailureTime.UTC()
				view.LastFailureTime = &last
			}
			if snapshot.State == resilience.StateOpen {
				status = "degraded"
			}
			breakers = append(breakers, view)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "breakers": breakers})
}
