package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/credential"
)

// Client is a thin HTTP client for the platform REST API.
// It handles Bearer token authentication, JSON marshaling, and
// automatic retry with exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	cred       credential.Accessor
	httpClient *http.Client
	maxRetries int
	log        *zap.Logger
}

// NewClient creates a new API client. The baseURL is the API root
// (e.g., http://localhost:8080/api). The token is obtained from cred
// for every request.
func NewClient(
	baseURL string,
	cred credential.Accessor,
	timeout time.Duration,
	log *zap.Logger,
) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cred:    cred,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 3,
		log:        log,
	}
}

// Get performs an HTTP GET request and unmarshals the JSON response.
func (c *Client) Get(
	ctx context.Context,
	path string,
	result interface{},
) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, result)
	return err
}

// GetRaw performs an HTTP GET request and returns the raw body.
func (c *Client) GetRaw(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

// Patch performs an HTTP PATCH request without a body, discarding
// the response.
func (c *Client) Patch(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodPatch, path, nil, nil)
	return err
}

// Post performs an HTTP POST request with an optional JSON body and
// unmarshals the JSON response when result is non-nil.
func (c *Client) Post(
	ctx context.Context,
	path string,
	body interface{},
	result interface{},
) error {
	_, err := c.do(ctx, http.MethodPost, path, body, result)
	return err
}

// token fetches the credential, mapping every failure to an AuthError
// so callers fail fast without touching the network.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.cred == nil {
		return "", &AuthError{Message: "no credential accessor configured"}
	}
	token, err := c.cred.Token(ctx)
	if err != nil {
		return "", &AuthError{Message: "credential unavailable", Err: err}
	}
	if token == "" {
		return "", &AuthError{Message: "credential unavailable", Err: credential.ErrNoCredential}
	}
	return token, nil
}

// do is the core HTTP method that builds the request, handles auth,
// rate limiting with exponential backoff, and JSON (de)serialization.
// It returns the raw response body.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + path

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
	}

	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(
			ctx, method, url, bodyReader,
		)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", credential.Bearer(token))
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = &StatusError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Body:       string(respBody),
			}
			c.log.Debug("rate limited",
				zap.String("method", method),
				zap.String("path", path),
				zap.Duration("wait", waitDuration),
				zap.Int("attempt", attempt),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden {
			return nil, &AuthError{
				Message: fmt.Sprintf(
					"%s %s rejected the credential (%d)",
					method, path, resp.StatusCode,
				),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(respBody)),
			}
		}

		// No content to parse (e.g. 204).
		if result == nil || resp.StatusCode == http.StatusNoContent ||
			len(bytes.TrimSpace(respBody)) == 0 {
			return respBody, nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, fmt.Errorf(
				"unmarshaling response from %s %s: %w",
				method, path, err,
			)
		}

		return respBody, nil
	}

	return nil, fmt.Errorf(
		"max retries (%d) exceeded: %w", c.maxRetries, lastErr,
	)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
