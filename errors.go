package beacon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRefreshFailed = errors.New("credential refresh failed")
	ErrClientClosed  = errors.New("client is closed")
)

const (
	CodeNetworkError = "network_error"
	CodeServerError  = "server_error"
	CodeUnauthorized = "unauthorized"
	CodeClientError  = "client_error"
	CodeDecodeError  = "decode_error"
	CodeRequestError = "request_error"
	CodeCanceled     = "canceled"
)

// APIError is the normalized error returned by HTTPClient.
type APIError struct {
	Message string
	Code    string
	Status  int

	body  []byte
	model ErrorResponse
	cause error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d %s): %s", e.Code, e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Body returns the raw bytes of the response, if any.
func (e *APIError) Body() []byte {
	return e.body
}

// Model returns the decoded error body.
func (e *APIError) Model() ErrorResponse {
	return e.model
}

func newNetworkError(err error) *APIError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Message: err.Error(), Code: CodeCanceled, cause: err}
	}
	return &APIError{Message: err.Error(), Code: CodeNetworkError, cause: err}
}

func newStatusError(status int, body []byte, model ErrorResponse) *APIError {
	apiErr := &APIError{
		Status: status,
		body:   body,
		model:  model,
	}
	switch {
	case status == http.StatusUnauthorized:
		apiErr.Code = CodeUnauthorized
	case status >= 500:
		apiErr.Code = CodeServerError
	default:
		apiErr.Code = CodeClientError
	}

	switch {
	case model.Message != "":
		apiErr.Message = model.Message
	case model.Error != "":
		apiErr.Message = model.Error
	default:
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeUnauthorized
}

// IsTransient reports whether err is the kind of failure HTTPClient retries.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeNetworkError || apiErr.Code == CodeServerError
}
