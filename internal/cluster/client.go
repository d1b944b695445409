// Package cluster is the client for the remote job service. It submits jobs
// and reports their status; it keeps no job-lifecycle state of its own.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/glmharness/pkg/models"
	"golang.org/x/time/rate"
)

// Sentinel errors for cluster client failures.
var (
	ErrTransport       = errors.New("cluster transport error")
	ErrRequestRejected = errors.New("cluster rejected request")
	ErrUnknownHandle   = errors.New("cluster has no record of job handle")
)

// Client is the interface for talking to the remote job service.
type Client interface {
	Submit(ctx context.Context, kind models.JobKind, payload models.Payload) (models.JobHandle, error)
	Poll(ctx context.Context, handle models.JobHandle) (models.JobStatus, error)
	Ready(ctx context.Context) error
	// ListKeys returns every key the service currently stores: imported
	// sources, parsed datasets and fitted models.
	ListKeys(ctx context.Context) ([]string, error)
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	RequestsPerSec float64
}

// HTTPClient implements Client over the service's HTTP/JSON job API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a new cluster HTTP client. A RequestsPerSec of zero
// disables client-side throttling.
func NewHTTPClient(opts Options) *HTTPClient {
	c := &HTTPClient{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		client:  &http.Client{Timeout: opts.Timeout},
	}
	if opts.RequestsPerSec > 0 {
		burst := int(opts.RequestsPerSec * 2)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}
	return c
}

func (c *HTTPClient) Submit(ctx context.Context, kind models.JobKind, payload models.Payload) (models.JobHandle, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown job kind %q", ErrRequestRejected, kind)
	}

	body, err := json.Marshal(submitRequest{Kind: kind, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("%w: encoding payload: %v", ErrRequestRejected, err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: %s", ErrTransport, describe(resp))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: %s", ErrRequestRejected, describe(resp))
	default:
		return "", fmt.Errorf("%w: %s", ErrTransport, describe(resp))
	}

	var out struct {
		Data submitResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding submit response: %v", ErrTransport, err)
	}
	if out.Data.Handle == "" {
		return "", fmt.Errorf("%w: submit response carried no handle", ErrTransport)
	}

	return out.Data.Handle, nil
}

func (c *HTTPClient) Poll(ctx context.Context, handle models.JobHandle) (models.JobStatus, error) {
	u := fmt.Sprintf("%s/api/v1/jobs/%s", c.baseURL, url.PathEscape(string(handle)))

	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.JobStatus{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return models.JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	default:
		return models.JobStatus{}, fmt.Errorf("%w: %s", ErrTransport, describe(resp))
	}

	var out struct {
		Data models.JobStatus `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.JobStatus{}, fmt.Errorf("%w: decoding status response: %v", ErrTransport, err)
	}

	status := out.Data
	switch status.State {
	case models.JobStateRunning, models.JobStateSucceeded, models.JobStateFailed:
	default:
		return models.JobStatus{}, fmt.Errorf("%w: unrecognised job status %q", ErrTransport, status.State)
	}
	if status.Handle == "" {
		status.Handle = handle
	}

	return status, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: cluster not ready (status %d)", ErrTransport, resp.StatusCode)
	}

	return nil
}

func (c *HTTPClient) ListKeys(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/keys", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrTransport, describe(resp))
	}

	var out struct {
		Data keysResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding keys response: %v", ErrTransport, err)
	}
	if out.Data.Keys == nil {
		return []string{}, nil
	}
	return out.Data.Keys, nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classifyError(err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrRequestRejected, err)
	}
	c.setHeaders(httpReq, body != nil)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func (c *HTTPClient) setHeaders(req *http.Request, hasBody bool) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
}

// classifyError maps transport-level errors to ErrTransport. Context
// cancellation keeps its own identity so callers can stop promptly.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request deadline: %w", ErrTransport, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransport, err)
	}

	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// describe renders a non-success response using the service's error envelope
// when one is present.
func describe(resp *http.Response) string {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		return fmt.Sprintf("status %d %s: %s", resp.StatusCode, env.Error.Code, env.Error.Message)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// --- wire types ---

type submitRequest struct {
	Kind    models.JobKind `json:"kind"`
	Payload models.Payload `json:"payload"`
}

type submitResponse struct {
	Handle models.JobHandle `json:"handle"`
}

type keysResponse struct {
	Keys []string `json:"keys"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
