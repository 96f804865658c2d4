package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pik2mqtt/pik2mqtt/internal/pik"
	"github.com/pik2mqtt/pik2mqtt/internal/state"
)

func TestHealthHandler(t *testing.T) {
	recorder := httptest.NewRecorder()
	HealthHandler(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if recorder.Body.String() != "ok" {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestStateHandler(t *testing.T) {
	store := state.NewStore(state.NewEventBus(nil))
	store.SetDevices(state.Devices{Intercoms: []pik.Intercom{{ID: 1, Name: "door"}}})

	recorder := httptest.NewRecorder()
	StateHandler(store).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}

	var snap state.State
	if err := json.Unmarshal(recorder.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(snap.Devices.Intercoms) != 1 || snap.Devices.Intercoms[0].ID != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.Status[state.CategoryIntercoms].Available {
		t.Fatalf("expected intercoms available")
	}
}
