package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPAPI talks to the server's job endpoints
type HTTPAPI struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPAPI makes an api client for the given base url
func NewHTTPAPI(baseURL string) *HTTPAPI {
	return &HTTPAPI{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Active queries the current active session
func (a *HTTPAPI) Active(ctx context.Context, sessionID string) (ActiveInfo, error) {
	u := fmt.Sprintf("%s/api/v1/jobs/active?sessionId=%s", a.BaseURL, url.QueryEscape(sessionID))
	var res ActiveInfo
	if err := a.getJSON(ctx, u, &res); err != nil {
		return ActiveInfo{}, err
	}
	return res, nil
}

// CompleteCheck asks whether the session reached the completed status and
// which terminal status it holds otherwise
func (a *HTTPAPI) CompleteCheck(ctx context.Context, sessionID string) (CompleteInfo, error) {
	u := fmt.Sprintf("%s/api/v1/jobs/complete-check?sessionId=%s", a.BaseURL, url.QueryEscape(sessionID))
	var res CompleteInfo
	if err := a.getJSON(ctx, u, &res); err != nil {
		return CompleteInfo{}, err
	}
	return res, nil
}

// Cancel requests job cancellation
func (a *HTTPAPI) Cancel(ctx context.Context, sessionID string) (CancelResult, error) {
	u := fmt.Sprintf("%s/api/v1/jobs/%s/cancel", a.BaseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, http.NoBody)
	if err != nil {
		return CancelResult{}, fmt.Errorf("failed to make cancel request: %w", err)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel call failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return CancelResult{}, fmt.Errorf("cancel call returned status %d", resp.StatusCode)
	}
	var res CancelResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return CancelResult{}, fmt.Errorf("failed to decode cancel response: %w", err)
	}
	return res, nil
}

func (a *HTTPAPI) getJSON(ctx context.Context, u string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s returned status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
