package v1

import (
	"net/http"
	"sync/atomic"
)

// ReadyzHandler returns a handler for readiness checks.
//
// The ready flag flips on once the listener is accepting and the
// orchestrator is running, and flips off at the start of shutdown so load
// balancers drain the instance before connections are torn down.
func ReadyzHandler(ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready == nil || !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Not Ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	}
}
