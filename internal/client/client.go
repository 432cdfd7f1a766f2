// Package client talks to the organize daemon's management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gookit/goutil"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/sys"
	"github.com/ioerror/vula/pkg/api"
	"github.com/ioerror/vula/pkg/logger"
)

// APIError is a non-success API response.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	// Result is set when a transaction ran and failed.
	Result *api.ResultInfo
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (%s, request ID: %s)", e.Message, e.Code, e.RequestID)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Client represents the API client for the organize daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger

	maxRetries int
	retryWait  time.Duration
}

// NewClient creates a new API client.
func NewClient(baseURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithComponent("client"),
		maxRetries: 3,
		retryWait:  time.Second,
	}
}

// SetRetry configures how often and how long to wait when the daemon is
// unreachable or not ready.
func (c *Client) SetRetry(maxRetries int, wait time.Duration) {
	c.maxRetries = maxRetries
	c.retryWait = wait
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryWait * time.Duration(attempt)
			if apiErr, ok := lastErr.(*retryAfterError); ok && apiErr.after > 0 {
				wait = apiErr.after
			}
			c.logger.Debug("retrying after backoff", "attempt", attempt, "wait_time", wait)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		out, err := once[T](ctx, c, method, path, payload)
		if err == nil {
			return out, nil
		}
		if ra, ok := err.(*retryAfterError); ok {
			lastErr = ra
			continue
		}
		if _, ok := err.(*transportError); ok && ctx.Err() == nil {
			c.logger.Warn("request failed, will retry", "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}
		return nil, err
	}
	if ra, ok := lastErr.(*retryAfterError); ok {
		return nil, ra.APIError
	}
	return nil, lastErr
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type retryAfterError struct {
	*APIError
	after time.Duration
}

func once[T any](ctx context.Context, c *Client, method, path string, payload []byte) (*T, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("making API request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode == http.StatusOK {
		var apiResp api.Response[T]
		if err := json.Unmarshal(raw, &apiResp); err != nil {
			return nil, fmt.Errorf("failed to decode API response: %w", err)
		}
		if !apiResp.Success {
			return nil, fmt.Errorf("API returned success=false without error details")
		}
		return &apiResp.Data, nil
	}

	apiErr := decodeError(resp.StatusCode, raw)
	if resp.StatusCode == http.StatusServiceUnavailable {
		after := time.Duration(0)
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := goutil.ToInt(h); err == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return nil, &retryAfterError{APIError: apiErr, after: after}
	}
	return nil, apiErr
}

func decodeError(status int, raw []byte) *APIError {
	var apiResp api.Response[*api.ResultInfo]
	if err := json.Unmarshal(raw, &apiResp); err != nil || apiResp.Error == nil {
		return &APIError{Status: status, Code: "unknown", Message: fmt.Sprintf("API returned unexpected status %d", status)}
	}
	return &APIError{
		Status:    status,
		Code:      apiResp.Error.Code,
		Message:   apiResp.Error.Message,
		RequestID: apiResp.Error.RequestID,
		Result:    apiResp.Data,
	}
}

func esc(s string) string { return url.PathEscape(s) }

// Health fetches the daemon health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	return do[api.HealthResponse](ctx, c, http.MethodGet, "/health", nil)
}

// ListPeers lists peers selected by which (all, enabled, disabled).
func (c *Client) ListPeers(ctx context.Context, which string) (*api.PeersListResponse, error) {
	path := "/api/v1/peers"
	if which != "" {
		path += "?which=" + url.QueryEscape(which)
	}
	return do[api.PeersListResponse](ctx, c, http.MethodGet, path, nil)
}

// GetPeer looks a peer up by id, name or address.
func (c *Client) GetPeer(ctx context.Context, query string) (*api.PeerDetailResponse, error) {
	return do[api.PeerDetailResponse](ctx, c, http.MethodGet, "/api/v1/peers/"+esc(query), nil)
}

// PeerDescriptor returns the latest descriptor of a peer.
func (c *Client) PeerDescriptor(ctx context.Context, query string) (*api.DescriptorResponse, error) {
	return do[api.DescriptorResponse](ctx, c, http.MethodGet, "/api/v1/peers/"+esc(query)+"/descriptor", nil)
}

// LookupName returns the peer announcing hostname.
func (c *Client) LookupName(ctx context.Context, hostname string) (*api.DescriptorResponse, error) {
	return do[api.DescriptorResponse](ctx, c, http.MethodGet, "/api/v1/names/"+esc(hostname), nil)
}

// RemovePeer removes the peer matching query.
func (c *Client) RemovePeer(ctx context.Context, query string) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodDelete, "/api/v1/peers/"+esc(query), nil)
}

// SetPeer sets a field below one peer.
func (c *Client) SetPeer(ctx context.Context, id string, path []string, value any) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodPost, "/api/v1/peers/"+esc(id)+"/edit", api.PeerEditRequest{Path: path, Value: value})
}

// PeerAddrAdd enables an address for a peer.
func (c *Client) PeerAddrAdd(ctx context.Context, id, ip string) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodPost, "/api/v1/peers/"+esc(id)+"/addrs", api.PeerAddrRequest{IP: ip})
}

// PeerAddrDel forgets an address of a peer.
func (c *Client) PeerAddrDel(ctx context.Context, id, ip string) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodDelete, "/api/v1/peers/"+esc(id)+"/addrs/"+esc(ip), nil)
}

// VerifyAndPin marks the peer verified and pinned.
func (c *Client) VerifyAndPin(ctx context.Context, id, hostname string) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodPost, "/api/v1/peers/"+esc(id)+"/verify", api.VerifyRequest{Hostname: hostname})
}

// ProcessDescriptor submits a descriptor in its wire form.
func (c *Client) ProcessDescriptor(ctx context.Context, descriptor string) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodPost, "/api/v1/descriptors", api.DescriptorRequest{Descriptor: descriptor})
}

// OurDescriptors returns our current signed descriptors by interface.
func (c *Client) OurDescriptors(ctx context.Context) (*api.OurDescriptorsResponse, error) {
	return do[api.OurDescriptorsResponse](ctx, c, http.MethodGet, "/api/v1/descriptors/ours", nil)
}

// Prefs returns the preferences as generic JSON.
func (c *Client) Prefs(ctx context.Context) (map[string]any, error) {
	out, err := do[map[string]any](ctx, c, http.MethodGet, "/api/v1/prefs", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// EditPref changes one preference with op SET, ADD or REMOVE.
func (c *Client) EditPref(ctx context.Context, op, name string, value any) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodPost, "/api/v1/prefs/"+esc(name), api.PrefRequest{Op: op, Value: value})
}

// Edit applies one raw write.
func (c *Client) Edit(ctx context.Context, op string, path []string, value any) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodPost, "/api/v1/edit", api.EditRequest{Op: op, Path: path, Value: value})
}

// ReleaseGateway stops using the current gateway peer.
func (c *Client) ReleaseGateway(ctx context.Context) (*api.ResultInfo, error) {
	return do[api.ResultInfo](ctx, c, http.MethodPost, "/api/v1/gateway/release", nil)
}

// Sync asks the daemon to resync every peer.
func (c *Client) Sync(ctx context.Context) (*api.SyncResponse, error) {
	return do[api.SyncResponse](ctx, c, http.MethodPost, "/api/v1/sync", nil)
}

// Desired returns the configuration the daemon wants the host to have.
func (c *Client) Desired(ctx context.Context) (*sys.Desired, error) {
	return do[sys.Desired](ctx, c, http.MethodGet, "/api/v1/desired", nil)
}

// EventLog lists recorded results.
func (c *Client) EventLog(ctx context.Context, p api.EventLogParams) (*api.EventLogResponse, error) {
	q := url.Values{}
	if p.Event != "" {
		q.Set("event", p.Event)
	}
	if p.ErrorsOnly {
		q.Set("errors_only", "true")
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	path := "/api/v1/eventlog"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return do[api.EventLogResponse](ctx, c, http.MethodGet, path, nil)
}

// Event fetches one recorded result in full.
func (c *Client) Event(ctx context.Context, id string) (*engine.Result, error) {
	return do[engine.Result](ctx, c, http.MethodGet, "/api/v1/eventlog/"+esc(id), nil)
}
