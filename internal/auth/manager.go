package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pik2mqtt/pik2mqtt/internal/pik"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// MinRefreshInterval is the floor for the background re-authentication
// ticker. The vendor token lives for days; hammering sign_in gets the
// account throttled.
const MinRefreshInterval = 2 * time.Hour

const DefaultRefreshInterval = 24 * time.Hour

// Manager holds the vendor bearer token, re-authenticating on a background
// ticker and on demand after the API rejects the cached token.
type Manager struct {
	cfg      pik.Config
	username string
	password string
	logger   *slog.Logger

	mu              sync.Mutex
	accessToken     string
	account         *pik.Account
	issuedAt        time.Time
	refreshInFlight bool
}

func NewManager(cfg pik.Config, username, password string, logger *slog.Logger) (*Manager, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		username: username,
		password: password,
		logger:   logger,
	}, nil
}

// SignIn performs a synchronous sign-in and caches the resulting token.
// Called once at startup so a bad credential fails fast.
func (m *Manager) SignIn(ctx context.Context) error {
	token, account, err := pik.SignIn(ctx, m.cfg, m.username, m.password)
	if err != nil {
		signInFailure.Inc()
		tokenValid.Set(0)
		return err
	}

	m.mu.Lock()
	m.accessToken = token
	m.account = account
	m.issuedAt = time.Now()
	m.mu.Unlock()

	signInSuccess.Inc()
	tokenValid.Set(1)
	return nil
}

// StartWithInterval re-authenticates every interval until ctx is cancelled.
// Zero or negative disables the loop; the enforced floor keeps the ticker
// at hours scale.
func (m *Manager) StartWithInterval(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if interval < MinRefreshInterval {
		interval = MinRefreshInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.SignIn(ctx); err != nil {
					m.logger.Error("scheduled re-authentication failed", "error", err)
				}
			}
		}
	}()
}

// AccessToken returns the cached bearer token.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken == "" {
		tokenValid.Set(0)
		return "", ErrNotAuthenticated
	}
	return m.accessToken, nil
}

// TriggerRefresh re-authenticates in the background after a 401. Concurrent
// triggers collapse into one sign-in. The sign-in outlives the caller's
// context: the trigger usually comes from a short-lived request, and
// cancelling that request must not abort the refresh.
func (m *Manager) TriggerRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.refreshInFlight {
		m.mu.Unlock()
		return
	}
	m.refreshInFlight = true
	m.mu.Unlock()

	refreshCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			m.mu.Lock()
			m.refreshInFlight = false
			m.mu.Unlock()
		}()
		if err := m.SignIn(refreshCtx); err != nil {
			m.logger.Error("re-authentication after rejection failed", "error", err)
		}
	}()
}

// Account returns the account payload captured at the last sign-in, or nil
// before the first successful sign-in.
func (m *Manager) Account() *pik.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account
}
