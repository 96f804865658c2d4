package pik

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticTokens struct {
	token     string
	refreshes int
}

func (s *staticTokens) AccessToken(_ context.Context) (string, error) {
	return s.token, nil
}

func (s *staticTokens) TriggerRefresh(_ context.Context) {
	s.refreshes++
}

func TestClientFlow(t *testing.T) {
	var unlockBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assertDeviceHeaders(t, r)
		switch r.URL.Path {
		case "/api/customers/properties":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"apartments":[{"id":100,"scheme_id":5,"number":"12","building_id":7,"district_id":3,"account_number":"A-1"}]}`)
			return
		case "/api/customers/properties/100/intercoms":
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Query().Get("page") {
			case "1":
				_, _ = io.WriteString(w, `[{"id":1,"scheme_id":5,"building_id":7,"kind":"video","device_category":"entrance","mode":"1","name":"DOM.1","human_name":"Front door","renamed_name":"Main entrance","relays":{"1":"door"},"video":[{"quality":"low","source":"rtsp://cam/low"},{"quality":"high","source":"rtsp://cam/high"}],"photo_url":"/snap/1.jpg"}]`)
			default:
				_, _ = io.WriteString(w, `[]`)
			}
			return
		case "/api/alfred/v1/personal/intercoms":
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Query().Get("page") {
			case "1":
				_, _ = io.WriteString(w, `[{"id":20,"name":"iot-door","client_id":9,"status":"online","live_snapshot_url":"/iot/20.jpg","geo_unit":{"id":100,"full_name":"Building 7, apt 12","short_name":"apt 12"},"is_face_detection":true,"relays":[{"id":200,"name":"gate","rtsp_url":"rtsp://iot/200","live_snapshot_url":"/iot/200.jpg","user_settings":{"custom_name":"Garden gate","is_favorite":true,"is_hidden":false}}]}]`)
			default:
				_, _ = io.WriteString(w, `[]`)
			}
			return
		case "/api/alfred/v1/personal/call_sessions":
			if got := r.URL.Query().Get("q[s]"); got != "created_at DESC" {
				t.Fatalf("unexpected sort param: %s", got)
			}
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Query().Get("page") {
			case "1":
				_, _ = io.WriteString(w, `[{"id":500,"geo_unit_id":100,"geo_unit_short_name":"apt 12","intercom_id":20,"intercom_name":"iot-door","snapshot_url":"/calls/500.jpg","created_at":"2024-08-04T09:20:08.370Z","target_relay_ids":[200]}]`)
			default:
				_, _ = io.WriteString(w, `[]`)
			}
			return
		case "/api/alfred/v1/personal/meters":
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Query().Get("page") {
			case "1":
				_, _ = io.WriteString(w, `[{"id":300,"serial":"M-300","kind":"cold","pipe_identifier":"1","current_value":"152.715 m³","month_value":"1.204 m³"},{"id":301,"serial":"M-301","kind":"gas","pipe_identifier":"","current_value":"9.5","month_value":"0.2"}]`)
			default:
				_, _ = io.WriteString(w, `[]`)
			}
			return
		case "/api/customers/intercoms/1/unlock":
			if r.Method != http.MethodPost {
				t.Fatalf("expected POST to unlock, got %s", r.Method)
			}
			body, _ := io.ReadAll(r.Body)
			unlockBody = string(body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"request":true}`)
			return
		case "/api/alfred/v1/personal/relays/200/unlock":
			w.WriteHeader(http.StatusOK)
			return
		case "/snap/1.jpg":
			_, _ = w.Write([]byte("jpeg-bytes"))
			return
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
			return
		}
	}))
	defer server.Close()

	tokens := &staticTokens{token: "test-token"}
	client, err := NewClient(Config{
		ICMBaseURL: server.URL,
		IotBaseURL: server.URL,
		DeviceID:   "TESTDEVICE123456",
		VerifySSL:  true,
	}, tokens)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx := context.Background()

	intercoms, err := client.Intercoms(ctx)
	if err != nil {
		t.Fatalf("Intercoms: %v", err)
	}
	if len(intercoms) != 1 {
		t.Fatalf("unexpected intercoms: %+v", intercoms)
	}
	intercom := intercoms[0]
	if intercom.ID != 1 || intercom.PropertyID != 100 {
		t.Fatalf("unexpected intercom ids: %+v", intercom)
	}
	if intercom.DisplayName() != "Main entrance" {
		t.Fatalf("unexpected display name: %s", intercom.DisplayName())
	}
	if intercom.StreamURL() != "rtsp://cam/high" {
		t.Fatalf("expected high quality stream, got %s", intercom.StreamURL())
	}
	if !intercom.HasCamera() {
		t.Fatalf("expected camera")
	}

	iot, err := client.IotIntercoms(ctx)
	if err != nil {
		t.Fatalf("IotIntercoms: %v", err)
	}
	if len(iot) != 1 || iot[0].ID != 20 || !iot[0].Online() {
		t.Fatalf("unexpected iot intercoms: %+v", iot)
	}
	if len(iot[0].Relays) != 1 || iot[0].Relays[0].FriendlyName() != "Garden gate" {
		t.Fatalf("unexpected relays: %+v", iot[0].Relays)
	}
	if iot[0].GeoUnit == nil || iot[0].GeoUnit.ShortName != "apt 12" {
		t.Fatalf("unexpected geo unit: %+v", iot[0].GeoUnit)
	}

	session, err := client.LastCallSession(ctx)
	if err != nil {
		t.Fatalf("LastCallSession: %v", err)
	}
	if session == nil || session.ID != 500 {
		t.Fatalf("unexpected session: %+v", session)
	}
	expectedTime, err := time.Parse(time.RFC3339Nano, "2024-08-04T09:20:08.370Z")
	if err != nil {
		t.Fatalf("parse expected timestamp: %v", err)
	}
	if !session.CreatedAt.Equal(expectedTime) {
		t.Fatalf("unexpected created_at: %s", session.CreatedAt)
	}
	if !session.Active() {
		t.Fatalf("expected active session")
	}
	if len(session.TargetRelayIDs) != 1 || session.TargetRelayIDs[0] != 200 {
		t.Fatalf("unexpected target relays: %+v", session.TargetRelayIDs)
	}

	meters, err := client.Meters(ctx)
	if err != nil {
		t.Fatalf("Meters: %v", err)
	}
	if len(meters) != 2 {
		t.Fatalf("unexpected meters: %+v", meters)
	}
	if meters[0].Kind != MeterColdWater || !meters[0].Kind.Known() {
		t.Fatalf("unexpected meter kind: %s", meters[0].Kind)
	}
	if meters[0].CurrentNumeric != 152.715 || meters[0].MonthNumeric != 1.204 {
		t.Fatalf("unexpected meter readings: %+v", meters[0])
	}
	if meters[1].Kind.Known() {
		t.Fatalf("expected unknown meter kind, got %s", meters[1].Kind)
	}

	if err := client.UnlockIntercom(ctx, 1, "1"); err != nil {
		t.Fatalf("UnlockIntercom: %v", err)
	}
	if !strings.Contains(unlockBody, "door=1") || !strings.Contains(unlockBody, "id=1") {
		t.Fatalf("unexpected unlock payload: %s", unlockBody)
	}

	if err := client.UnlockRelay(ctx, 200); err != nil {
		t.Fatalf("UnlockRelay: %v", err)
	}

	snapshot, err := client.Snapshot(ctx, server.URL+"/snap/1.jpg")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(snapshot) != "jpeg-bytes" {
		t.Fatalf("unexpected snapshot bytes: %q", snapshot)
	}

	if tokens.refreshes != 0 {
		t.Fatalf("unexpected refresh count: %d", tokens.refreshes)
	}
}

func TestClientUnauthorizedTriggersRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &staticTokens{token: "stale-token"}
	client, err := NewClient(Config{
		ICMBaseURL: server.URL,
		IotBaseURL: server.URL,
		DeviceID:   "TESTDEVICE123456",
		VerifySSL:  true,
	}, tokens)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Properties(context.Background()); err == nil {
		t.Fatalf("expected error on 401")
	}
	if tokens.refreshes != 1 {
		t.Fatalf("expected one refresh trigger, got %d", tokens.refreshes)
	}
}

func TestClientErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"invalid","code":"unprocessable","description":"door is closed for service"}`)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		ICMBaseURL: server.URL,
		IotBaseURL: server.URL,
		DeviceID:   "TESTDEVICE123456",
		VerifySSL:  true,
	}, &staticTokens{token: "test-token"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Properties(context.Background())
	apiErr, ok := err.(APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Code != "unprocessable" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "door is closed for service") {
		t.Fatalf("unexpected error text: %s", apiErr.Error())
	}
}

func TestSignInCapturesHeaderToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/customers/sign_in" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		assertDeviceHeaders(t, r)
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"phone":"+79990000000"`) {
			t.Fatalf("unexpected sign-in payload: %s", body)
		}
		if !strings.Contains(string(body), `"uid":"TESTDEVICE123456"`) {
			t.Fatalf("expected device uid in payload: %s", body)
		}
		w.Header().Set("Authorization", "Bearer fresh-token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"account":{"id":42,"phone":"+79990000000","first_name":"Ada"}}`)
	}))
	defer server.Close()

	cfg := Config{ICMBaseURL: server.URL, DeviceID: "TESTDEVICE123456", VerifySSL: true}
	token, account, err := SignIn(context.Background(), cfg, "+79990000000", "hunter2")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if token != "Bearer fresh-token" {
		t.Fatalf("unexpected token: %s", token)
	}
	if account == nil || account.ID != 42 || account.FirstName != "Ada" {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestSignInMissingHeaderFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"account":{"id":42}}`)
	}))
	defer server.Close()

	cfg := Config{ICMBaseURL: server.URL, DeviceID: "TESTDEVICE123456", VerifySSL: true}
	if _, _, err := SignIn(context.Background(), cfg, "+79990000000", "hunter2"); err == nil {
		t.Fatalf("expected error when authorization header is missing")
	}
}

func assertDeviceHeaders(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("API-VERSION"); got != "2" {
		t.Fatalf("unexpected API-VERSION header: %s", got)
	}
	if got := r.Header.Get("device-client-uid"); got != "TESTDEVICE123456" {
		t.Fatalf("unexpected device uid header: %s", got)
	}
	if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
		t.Fatalf("unexpected user agent: %s", got)
	}
}
