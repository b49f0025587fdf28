package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HealthCapability queries the platform health service for steps recorded in
// a time range.
type HealthCapability interface {
	QueryStepsInRange(ctx context.Context, start, end time.Time) (int, error)
}

// HTTPHealthClient queries a health aggregation service over HTTP.
type HTTPHealthClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPHealthClient constructs a client. token is sent as a bearer
// credential when non-empty.
func NewHTTPHealthClient(baseURL, token string) *HTTPHealthClient {
	return &HTTPHealthClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// QueryStepsInRange returns the step total between start and end.
func (c *HTTPHealthClient) QueryStepsInRange(ctx context.Context, start, end time.Time) (int, error) {
	query := url.Values{}
	query.Set("start", start.Format(time.RFC3339))
	query.Set("end", end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/steps/range?"+query.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, ErrPermissionDenied
	case resp.StatusCode >= 300:
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload struct {
		Steps int `json:"steps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if payload.Steps < 0 {
		return 0, nil
	}
	return payload.Steps, nil
}
