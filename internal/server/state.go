package server

import (
	"encoding/json"
	"net/http"

	"github.com/pik2mqtt/pik2mqtt/internal/state"
)

// StateHandler serves the current state snapshot as JSON.
func StateHandler(store state.Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(store.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
