package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pik2mqtt/pik2mqtt/internal/pik"
)

func newSignInServer(t *testing.T, counter *int, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/customers/sign_in" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		mu.Lock()
		*counter++
		mu.Unlock()
		w.Header().Set("Authorization", "Bearer issued-token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"account":{"id":7,"phone":"+79990000000"}}`)
	}))
}

func TestManagerSignInAndAccessToken(t *testing.T) {
	var signIns int
	var mu sync.Mutex
	server := newSignInServer(t, &signIns, &mu)
	defer server.Close()

	manager, err := NewManager(pik.Config{
		ICMBaseURL: server.URL,
		DeviceID:   "TESTDEVICE123456",
		VerifySSL:  true,
	}, "+79990000000", "hunter2", nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx := context.Background()

	if _, err := manager.AccessToken(ctx); err != ErrNotAuthenticated {
		t.Fatalf("expected ErrNotAuthenticated before sign-in, got %v", err)
	}

	if err := manager.SignIn(ctx); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	token, err := manager.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "Bearer issued-token" {
		t.Fatalf("unexpected token: %s", token)
	}

	account := manager.Account()
	if account == nil || account.ID != 7 {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestManagerTriggerRefreshDedupes(t *testing.T) {
	var signIns int
	var mu sync.Mutex
	server := newSignInServer(t, &signIns, &mu)
	defer server.Close()

	manager, err := NewManager(pik.Config{
		ICMBaseURL: server.URL,
		DeviceID:   "TESTDEVICE123456",
		VerifySSL:  true,
	}, "+79990000000", "hunter2", nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		manager.TriggerRefresh(ctx)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := manager.AccessToken(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	count := signIns
	mu.Unlock()
	if count >= 5 {
		t.Fatalf("expected deduplicated refreshes, got %d sign-ins", count)
	}
}

func TestManagerTriggerRefreshOutlivesCaller(t *testing.T) {
	var signIns int
	var mu sync.Mutex
	server := newSignInServer(t, &signIns, &mu)
	defer server.Close()

	manager, err := NewManager(pik.Config{
		ICMBaseURL: server.URL,
		DeviceID:   "TESTDEVICE123456",
		VerifySSL:  true,
	}, "+79990000000", "hunter2", nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// The trigger typically comes from a request whose context dies as soon
	// as the handler returns.
	ctx, cancel := context.WithCancel(context.Background())
	manager.TriggerRefresh(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := manager.AccessToken(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh aborted by the caller's cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerSignInFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"unauthorized","code":"unauthorized","description":"bad credentials"}`)
	}))
	defer server.Close()

	manager, err := NewManager(pik.Config{
		ICMBaseURL: server.URL,
		DeviceID:   "TESTDEVICE123456",
		VerifySSL:  true,
	}, "+79990000000", "wrong", nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := manager.SignIn(context.Background()); err == nil {
		t.Fatalf("expected sign-in failure")
	}
	if _, err := manager.AccessToken(context.Background()); err != ErrNotAuthenticated {
		t.Fatalf("expected ErrNotAuthenticated after failed sign-in, got %v", err)
	}
}
