package pik

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignIn authenticates with phone/email + password and returns the bearer
// token the vendor places in the Authorization response header, along with
// the account payload.
func SignIn(ctx context.Context, cfg Config, username, password string) (string, *Account, error) {
	icmBaseURL := strings.TrimRight(strings.TrimSpace(cfg.ICMBaseURL), "/")
	if icmBaseURL == "" {
		icmBaseURL = DefaultICMBaseURL
	}

	payload := map[string]any{
		"account": map[string]string{
			"phone":    username,
			"password": password,
		},
		"customer_device": map[string]string{
			"uid": cfg.DeviceID,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, icmBaseURL+"/api/customers/sign_in", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	for key, value := range deviceHeaders(cfg) {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
		if !cfg.VerifySSL {
			httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	var account struct {
		Account struct {
			ID          int64  `json:"id"`
			Phone       string `json:"phone"`
			Email       string `json:"email"`
			Number      string `json:"number"`
			ApartmentID int64  `json:"apartment_id"`
			FirstName   string `json:"first_name"`
			LastName    string `json:"last_name"`
			MiddleName  string `json:"middle_name"`
		} `json:"account"`
	}
	if err := decodeResponse(resp, &account); err != nil {
		return "", nil, fmt.Errorf("sign in: %w", err)
	}

	token := resp.Header.Get("Authorization")
	if token == "" {
		return "", nil, fmt.Errorf("sign in: response carries no authorization header")
	}

	return token, &Account{
		ID:          account.Account.ID,
		Phone:       account.Account.Phone,
		Email:       account.Account.Email,
		Number:      account.Account.Number,
		ApartmentID: account.Account.ApartmentID,
		FirstName:   account.Account.FirstName,
		LastName:    account.Account.LastName,
		MiddleName:  account.Account.MiddleName,
	}, nil
}
