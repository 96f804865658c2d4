package pik

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultICMBaseURL = "https://intercom.pik-comfort.ru"
	DefaultIotBaseURL = "https://iot.rubetek.com"

	DefaultUserAgent     = "okhttp/4.9.0"
	DefaultClientApp     = "alfred"
	DefaultClientVersion = "2021.10.2"
	DefaultClientOS      = "Android"

	apiVersion = "2"

	// The call session endpoint is paginated; older pages carry sessions we
	// never expose, so fetching is capped.
	maxCallSessionPages = 10
)

// APIError surfaces vendor error envelopes and unexpected statuses.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("pik api error %d (%s): %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("pik api error %d: %s", e.Status, e.Description)
}

// TokenSource provides the bearer token for authenticated requests and a way
// to invalidate it after the API rejects one.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	TriggerRefresh(ctx context.Context)
}

// Config defines runtime configuration for the vendor client.
type Config struct {
	ICMBaseURL    string
	IotBaseURL    string
	DeviceID      string
	UserAgent     string
	ClientApp     string
	ClientVersion string
	ClientOS      string
	VerifySSL     bool

	// HTTPClient overrides the default transport, e.g. to wrap it with a
	// rate guard.
	HTTPClient *http.Client
}

// Client talks to the PIK Intercom cloud API (ICM and IoT bases).
type Client struct {
	icmBaseURL string
	iotBaseURL string
	deviceID   string
	headers    map[string]string
	tokens     TokenSource
	httpClient *http.Client
}

func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, fmt.Errorf("device id is required")
	}

	icmBaseURL := strings.TrimRight(strings.TrimSpace(cfg.ICMBaseURL), "/")
	if icmBaseURL == "" {
		icmBaseURL = DefaultICMBaseURL
	}
	iotBaseURL := strings.TrimRight(strings.TrimSpace(cfg.IotBaseURL), "/")
	if iotBaseURL == "" {
		iotBaseURL = DefaultIotBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if !cfg.VerifySSL && httpClient.Transport == nil {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		icmBaseURL: icmBaseURL,
		iotBaseURL: iotBaseURL,
		deviceID:   cfg.DeviceID,
		headers:    deviceHeaders(cfg),
		tokens:     tokens,
		httpClient: httpClient,
	}, nil
}

// deviceHeaders builds the client identification headers the vendor expects
// on every request.
func deviceHeaders(cfg Config) map[string]string {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	clientApp := cfg.ClientApp
	if clientApp == "" {
		clientApp = DefaultClientApp
	}
	clientVersion := cfg.ClientVersion
	if clientVersion == "" {
		clientVersion = DefaultClientVersion
	}
	clientOS := cfg.ClientOS
	if clientOS == "" {
		clientOS = DefaultClientOS
	}
	return map[string]string{
		"User-Agent":            userAgent,
		"API-VERSION":           apiVersion,
		"device-client-app":     clientApp,
		"device-client-version": clientVersion,
		"device-client-os":      clientOS,
		"device-client-uid":     cfg.DeviceID,
	}
}

// Properties lists the geo units the account has access to.
func (c *Client) Properties(ctx context.Context) ([]Property, error) {
	var resp map[string][]struct {
		ID            int64  `json:"id"`
		SchemeID      int64  `json:"scheme_id"`
		Number        string `json:"number"`
		Section       int64  `json:"section"`
		BuildingID    int64  `json:"building_id"`
		DistrictID    int64  `json:"district_id"`
		AccountNumber string `json:"account_number"`
	}

	if err := c.getJSON(ctx, c.icmBaseURL+"/api/customers/properties", nil, &resp); err != nil {
		return nil, err
	}

	var properties []Property
	for category, entries := range resp {
		for _, entry := range entries {
			properties = append(properties, Property{
				ID:            entry.ID,
				Category:      category,
				SchemeID:      entry.SchemeID,
				Number:        entry.Number,
				Section:       entry.Section,
				BuildingID:    entry.BuildingID,
				DistrictID:    entry.DistrictID,
				AccountNumber: entry.AccountNumber,
			})
		}
	}
	return properties, nil
}

type wireIntercom struct {
	ID             int64           `json:"id"`
	SchemeID       int64           `json:"scheme_id"`
	BuildingID     int64           `json:"building_id"`
	Kind           string          `json:"kind"`
	DeviceCategory string          `json:"device_category"`
	Mode           string          `json:"mode"`
	Name           string          `json:"name"`
	HumanName      string          `json:"human_name"`
	RenamedName    string          `json:"renamed_name"`
	Entrance       *int64          `json:"entrance"`
	RelaysRaw      json.RawMessage `json:"relays"`
	Video          []struct {
		Quality string `json:"quality"`
		Source  string `json:"source"`
	} `json:"video"`
	PhotoURL string `json:"photo_url"`
}

// PropertyIntercoms fetches all pages of one property's intercom list.
func (c *Client) PropertyIntercoms(ctx context.Context, propertyID int64) ([]Intercom, error) {
	endpoint := fmt.Sprintf("%s/api/customers/properties/%d/intercoms", c.icmBaseURL, propertyID)

	var intercoms []Intercom
	for page := 1; ; page++ {
		var resp []wireIntercom
		if err := c.getJSON(ctx, endpoint, pageParams(page), &resp); err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			break
		}
		for _, entry := range resp {
			intercom := Intercom{
				ID:          entry.ID,
				PropertyID:  propertyID,
				SchemeID:    entry.SchemeID,
				BuildingID:  entry.BuildingID,
				Kind:        entry.Kind,
				Category:    entry.DeviceCategory,
				Mode:        entry.Mode,
				Name:        entry.Name,
				HumanName:   entry.HumanName,
				RenamedName: entry.RenamedName,
				Entrance:    entry.Entrance,
				Relays:      decodeRelayMap(entry.RelaysRaw),
				PhotoURL:    entry.PhotoURL,
			}
			for _, stream := range entry.Video {
				intercom.Video = append(intercom.Video, VideoStream(stream))
			}
			intercoms = append(intercoms, intercom)
		}
	}
	return intercoms, nil
}

// decodeRelayMap tolerates both map and list encodings the vendor has used
// for the relay block.
func decodeRelayMap(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap
	}
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		out := make(map[string]string, len(asList))
		for idx, name := range asList {
			out[strconv.Itoa(idx+1)] = name
		}
		return out
	}
	return nil
}

// Intercoms fetches intercoms for every property, deduplicated by id.
// Multiple properties within one building report the same door stations.
func (c *Client) Intercoms(ctx context.Context) ([]Intercom, error) {
	properties, err := c.Properties(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var intercoms []Intercom
	for _, property := range properties {
		entries, err := c.PropertyIntercoms(ctx, property.ID)
		if err != nil {
			return nil, err
		}
		for _, intercom := range entries {
			if seen[intercom.ID] {
				continue
			}
			seen[intercom.ID] = true
			intercoms = append(intercoms, intercom)
		}
	}
	return intercoms, nil
}

type wireGeoUnit struct {
	ID        int64  `json:"id"`
	FullName  string `json:"full_name"`
	ShortName string `json:"short_name"`
}

func (g *wireGeoUnit) toGeoUnit() *GeoUnit {
	if g == nil {
		return nil
	}
	return &GeoUnit{ID: g.ID, FullName: g.FullName, ShortName: g.ShortName}
}

// IotIntercoms fetches all pages of the IoT intercom list, relays included.
func (c *Client) IotIntercoms(ctx context.Context) ([]IotIntercom, error) {
	endpoint := c.iotBaseURL + "/api/alfred/v1/personal/intercoms"

	var intercoms []IotIntercom
	for page := 1; ; page++ {
		var resp []struct {
			ID              int64        `json:"id"`
			Name            string       `json:"name"`
			ClientID        int64        `json:"client_id"`
			Status          string       `json:"status"`
			SnapshotURL     string       `json:"live_snapshot_url"`
			GeoUnit         *wireGeoUnit `json:"geo_unit"`
			IsFaceDetection bool         `json:"is_face_detection"`
			Relays          []struct {
				ID           int64        `json:"id"`
				Name         string       `json:"name"`
				RTSPURL      string       `json:"rtsp_url"`
				SnapshotURL  string       `json:"live_snapshot_url"`
				GeoUnit      *wireGeoUnit `json:"geo_unit"`
				UserSettings *struct {
					CustomName string `json:"custom_name"`
					IsFavorite bool   `json:"is_favorite"`
					IsHidden   bool   `json:"is_hidden"`
				} `json:"user_settings"`
			} `json:"relays"`
		}
		if err := c.getJSON(ctx, endpoint, pageParams(page), &resp); err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			break
		}
		for _, entry := range resp {
			intercom := IotIntercom{
				ID:            entry.ID,
				Name:          entry.Name,
				ClientID:      entry.ClientID,
				Status:        entry.Status,
				PhotoURL:      entry.SnapshotURL,
				GeoUnit:       entry.GeoUnit.toGeoUnit(),
				FaceDetection: entry.IsFaceDetection,
			}
			for _, relayEntry := range entry.Relays {
				relay := IotRelay{
					ID:        relayEntry.ID,
					Name:      relayEntry.Name,
					GeoUnit:   relayEntry.GeoUnit.toGeoUnit(),
					StreamURL: relayEntry.RTSPURL,
					PhotoURL:  relayEntry.SnapshotURL,
				}
				if settings := relayEntry.UserSettings; settings != nil {
					relay.CustomName = settings.CustomName
					relay.Favorite = settings.IsFavorite
					relay.Hidden = settings.IsHidden
				}
				intercom.Relays = append(intercom.Relays, relay)
			}
			intercoms = append(intercoms, intercom)
		}
	}
	return intercoms, nil
}

type wireCallSession struct {
	ID               int64   `json:"id"`
	GeoUnitID        int64   `json:"geo_unit_id"`
	GeoUnitShortName string  `json:"geo_unit_short_name"`
	IntercomID       int64   `json:"intercom_id"`
	IntercomName     string  `json:"intercom_name"`
	SnapshotURL      string  `json:"snapshot_url"`
	CreatedAt        string  `json:"created_at"`
	NotifiedAt       string  `json:"notified_at"`
	PickedUpAt       string  `json:"pickedup_at"`
	FinishedAt       string  `json:"finished_at"`
	TargetRelayIDs   []int64 `json:"target_relay_ids"`
}

func (w wireCallSession) toCallSession() CallSession {
	session := CallSession{
		ID:             w.ID,
		PropertyID:     w.GeoUnitID,
		PropertyName:   w.GeoUnitShortName,
		IntercomID:     w.IntercomID,
		IntercomName:   w.IntercomName,
		SnapshotURL:    w.SnapshotURL,
		PickedUpAt:     parseTimestamp(w.PickedUpAt),
		FinishedAt:     parseTimestamp(w.FinishedAt),
		TargetRelayIDs: w.TargetRelayIDs,
	}
	if created := parseTimestamp(w.CreatedAt); created != nil {
		session.CreatedAt = *created
	} else if notified := parseTimestamp(w.NotifiedAt); notified != nil {
		session.CreatedAt = *notified
	}
	return session
}

// CallSessions fetches call history, newest first, up to maxPages pages.
func (c *Client) CallSessions(ctx context.Context, maxPages int) ([]CallSession, error) {
	endpoint := c.iotBaseURL + "/api/alfred/v1/personal/call_sessions"
	if maxPages <= 0 {
		maxPages = maxCallSessionPages
	}

	var sessions []CallSession
	for page := 1; page <= maxPages; page++ {
		params := pageParams(page)
		params.Set("q[s]", "created_at DESC")

		var resp []wireCallSession
		if err := c.getJSON(ctx, endpoint, params, &resp); err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			break
		}
		for _, entry := range resp {
			sessions = append(sessions, entry.toCallSession())
		}
	}
	return sessions, nil
}

// LastCallSession returns the most recent call session, or nil when the
// account has no call history.
func (c *Client) LastCallSession(ctx context.Context) (*CallSession, error) {
	sessions, err := c.CallSessions(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	latest := sessions[0]
	for _, session := range sessions[1:] {
		if session.CreatedAt.After(latest.CreatedAt) {
			latest = session
		}
	}
	return &latest, nil
}

// Meters fetches all pages of the utility meter list.
func (c *Client) Meters(ctx context.Context) ([]Meter, error) {
	endpoint := c.iotBaseURL + "/api/alfred/v1/personal/meters"

	var meters []Meter
	for page := 1; ; page++ {
		var resp []struct {
			ID             int64        `json:"id"`
			Serial         string       `json:"serial"`
			Kind           string       `json:"kind"`
			PipeIdentifier string       `json:"pipe_identifier"`
			GeoUnit        *wireGeoUnit `json:"geo_unit"`
			CurrentValue   string       `json:"current_value"`
			MonthValue     string       `json:"month_value"`
		}
		if err := c.getJSON(ctx, endpoint, pageParams(page), &resp); err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			break
		}
		for _, entry := range resp {
			meters = append(meters, Meter{
				ID:             entry.ID,
				Serial:         entry.Serial,
				Kind:           MeterKind(entry.Kind),
				PipeIdentifier: entry.PipeIdentifier,
				GeoUnit:        entry.GeoUnit.toGeoUnit(),
				CurrentValue:   entry.CurrentValue,
				CurrentNumeric: parseReading(entry.CurrentValue),
				MonthValue:     entry.MonthValue,
				MonthNumeric:   parseReading(entry.MonthValue),
			})
		}
	}
	return meters, nil
}

// UnlockIntercom opens an ICM intercom door. The mode comes from the
// intercom object itself.
func (c *Client) UnlockIntercom(ctx context.Context, intercomID int64, mode string) error {
	endpoint := fmt.Sprintf("%s/api/customers/intercoms/%d/unlock", c.icmBaseURL, intercomID)

	form := url.Values{}
	form.Set("id", strconv.FormatInt(intercomID, 10))
	form.Set("door", mode)

	var resp struct {
		Request bool `json:"request"`
	}
	if err := c.postForm(ctx, endpoint, form, &resp); err != nil {
		return err
	}
	if !resp.Request {
		return fmt.Errorf("unlock intercom %d: vendor rejected the request", intercomID)
	}
	return nil
}

// UnlockRelay opens a single IoT relay.
func (c *Client) UnlockRelay(ctx context.Context, relayID int64) error {
	endpoint := fmt.Sprintf("%s/api/alfred/v1/personal/relays/%d/unlock", c.iotBaseURL, relayID)
	return c.postForm(ctx, endpoint, nil, nil)
}

// Snapshot fetches raw image bytes from an object's snapshot URL.
func (c *Client) Snapshot(ctx context.Context, snapshotURL string) ([]byte, error) {
	if snapshotURL == "" {
		return nil, fmt.Errorf("snapshot url is empty")
	}
	resp, err := c.doRequest(ctx, http.MethodGet, snapshotURL, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, APIError{Status: resp.StatusCode, Description: "snapshot fetch failed"}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	target := endpoint
	if len(params) > 0 {
		target = endpoint + "?" + params.Encode()
	}

	resp, err := c.doRequest(ctx, http.MethodGet, target, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	var body io.Reader
	contentType := ""
	if len(form) > 0 {
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func (c *Client) doRequest(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Response, error) {
	accessToken, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Authorization", accessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()
	c.tokens.TriggerRefresh(ctx)
	return nil, fmt.Errorf("pik api unauthorized; refresh triggered")
}

// decodeResponse maps non-200 statuses onto the vendor's error envelope and
// decodes the payload otherwise.
func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Code        any    `json:"code"`
			Description string `json:"description"`
		}
		apiErr := APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, &envelope); err == nil {
			apiErr.Code = fmt.Sprint(envelope.Code)
			apiErr.Description = envelope.Description
		}
		if apiErr.Description == "" {
			apiErr.Description = strings.TrimSpace(string(bytes.ToValidUTF8(data, nil)))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func pageParams(page int) url.Values {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	return params
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return &ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts
	}
	return nil
}

// parseReading extracts the numeric part of a meter reading like "12.345"
// or "12.345 m³".
func parseReading(value string) float64 {
	fields := strings.Fields(strings.TrimSpace(value))
	if len(fields) == 0 {
		return 0
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", "."), 64)
	if err != nil {
		return 0
	}
	return parsed
}
