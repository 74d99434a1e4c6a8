package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matryer/try"

	"github.com/beaconhq/go-client-sdk/util"
)

// HTTPClient issues JSON requests against the backend, retrying transient
// failures and recovering once from an expired access token.
type HTTPClient struct {
	cfg     *HTTPConfiguration
	options *Options
	auth    *AuthCoordinator
	retries *RetryTracker
}

func NewHTTPClient(options *Options, cfg *HTTPConfiguration, auth *AuthCoordinator) *HTTPClient {
	return &HTTPClient{
		cfg:     cfg,
		options: options,
		auth:    auth,
		retries: NewRetryTracker(),
	}
}

func (c *HTTPClient) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPClient) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

func (c *HTTPClient) Patch(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPatch, path, body, out)
}

func (c *HTTPClient) Delete(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do sends one logical request. body is JSON encoded when non-nil and a 2xx
// response body is decoded into out when out is non-nil. Every failure is
// returned as *APIError.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body, out interface{}) error {
	method = strings.ToUpper(method)
	key := requestIdentity(method, path)

	state, err := c.retries.acquire(ctx, key)
	if err != nil {
		return newNetworkError(err)
	}
	defer c.retries.release(key, state)

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return &APIError{Message: err.Error(), Code: CodeRequestError, cause: err}
		}
	}

	authRetried := false
	var lastErr error

	// try.Do keeps calling while the func asks to retry and returns an error.
	err = try.Do(func(attempt int) (bool, error) {
		token := c.auth.AccessToken()
		headers := map[string]string{
			"Accept":       "application/json",
			"X-Request-ID": uuid.NewString(),
		}
		if payload != nil {
			headers["Content-Type"] = "application/json"
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}

		var postBody interface{}
		if payload != nil {
			postBody = payload
		}
		r, rBody, err := c.cfg.performRequest(ctx, method, path, postBody, headers)
		if err != nil {
			if ctx.Err() != nil {
				lastErr = newNetworkError(ctx.Err())
				return false, lastErr
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				lastErr = apiErr
				return false, lastErr
			}
			netErr := newNetworkError(err)
			lastErr = netErr
			return c.retryTransient(ctx, method, path, state, netErr)
		}

		switch {
		case r.StatusCode < 300:
			lastErr = nil
			if out == nil || len(rBody) == 0 {
				return false, nil
			}
			if err := decode(out, rBody, r.Header.Get("Content-Type")); err != nil {
				lastErr = &APIError{Message: err.Error(), Code: CodeDecodeError, Status: r.StatusCode, body: rBody, cause: err}
				return false, lastErr
			}
			return false, nil

		case r.StatusCode == http.StatusUnauthorized:
			lastErr = handleError(r, rBody)
			if authRetried {
				return false, lastErr
			}
			authRetried = true
			if current := c.auth.AccessToken(); token != "" && current != "" && current != token {
				util.Debugf("%s %s: credentials changed while in flight, re-issuing", method, path)
				return true, lastErr
			}
			if err := c.auth.Refresh(ctx); err != nil {
				util.Warnf("%s %s: unauthorized and refresh failed: %v", method, path, err)
				return false, lastErr
			}
			return true, lastErr

		case r.StatusCode >= 500:
			serverErr := handleError(r, rBody)
			lastErr = serverErr
			return c.retryTransient(ctx, method, path, state, serverErr)

		default:
			lastErr = handleError(r, rBody)
			return false, lastErr
		}
	})

	if try.IsMaxRetries(err) {
		return lastErr
	}
	return err
}

func (c *HTTPClient) retryTransient(ctx context.Context, method, path string, state *retryState, cause *APIError) (bool, error) {
	attempts := c.retries.attempts(state)
	if attempts >= c.options.MaxRetries {
		util.Warnf("%s %s: giving up after %d retries: %v", method, path, attempts, cause)
		return false, cause
	}

	delay := c.options.RetryBaseDelay * time.Duration(1<<attempts)
	util.Debugf("%s %s: transient failure (%v), retrying in %s", method, path, cause, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, newNetworkError(ctx.Err())
	case <-timer.C:
	}

	c.retries.increment(state)
	return true, cause
}

// Retries exposes the per-identity retry bookkeeping.
func (c *HTTPClient) Retries() *RetryTracker {
	return c.retries
}

// performRequest sends a single attempt and reads the whole response body.
func (cfg *HTTPConfiguration) performRequest(
	ctx context.Context,
	method string,
	path string,
	postBody interface{},
	headerParams map[string]string,
) (*http.Response, []byte, error) {
	r, err := cfg.prepareRequest(ctx, method, path, postBody, headerParams)
	if err != nil {
		return nil, nil, &APIError{Message: err.Error(), Code: CodeRequestError, cause: err}
	}

	httpResponse, err := cfg.HTTPClient.Do(r)
	if httpResponse == nil && err == nil {
		err = errors.New("nil httpResponse")
	}
	if err != nil {
		return nil, nil, err
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, nil, err
	}
	return httpResponse, responseBody, nil
}

// prepareRequest build the request
func (cfg *HTTPConfiguration) prepareRequest(
	ctx context.Context,
	method string,
	path string,
	postBody interface{},
	headerParams map[string]string,
) (*http.Request, error) {
	var body io.Reader
	if postBody != nil {
		if b, ok := postBody.([]byte); ok {
			body = bytes.NewReader(b)
		} else {
			buf := &bytes.Buffer{}
			if err := json.NewEncoder(buf).Encode(postBody); err != nil {
				return nil, err
			}
			body = buf
		}
	}

	builtURL, err := cfg.resolve(path)
	if err != nil {
		return nil, err
	}

	localVarRequest, err := http.NewRequestWithContext(ctx, method, builtURL, body)
	if err != nil {
		return nil, err
	}

	for h, v := range headerParams {
		localVarRequest.Header.Set(h, v)
	}

	// Override request host, if applicable
	if cfg.Host != "" {
		localVarRequest.Host = cfg.Host
	}

	localVarRequest.Header.Set("User-Agent", cfg.UserAgent)
	for header, value := range cfg.DefaultHeader {
		localVarRequest.Header.Add(header, value)
	}
	return localVarRequest, nil
}

// resolve joins a relative path onto BasePath; absolute URLs pass through.
func (cfg *HTTPConfiguration) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err := url.Parse(path)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u, err := url.Parse(cfg.BasePath + path)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func handleError(r *http.Response, body []byte) *APIError {
	var v ErrorResponse
	if len(body) > 0 {
		if err := decode(&v, body, r.Header.Get("Content-Type")); err != nil {
			util.Debugf("Could not decode error body for %d response: %v", r.StatusCode, err)
			v = ErrorResponse{}
		}
	}
	return newStatusError(r.StatusCode, body, v)
}

func decode(v interface{}, b []byte, contentType string) error {
	if contentType != "" && !strings.Contains(contentType, "json") {
		return fmt.Errorf("undefined response type %q", contentType)
	}
	return json.Unmarshal(b, v)
}
