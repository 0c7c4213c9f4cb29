// SPDX-License-Identifier: AGPL-3.0-or-later

package twitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNotLoggedIn signals that the credential pair no longer identifies an
// account.
var ErrNotLoggedIn = errors.New("twitter: not logged in")

// APIError is a structured error payload returned by the Twitter API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twitter: HTTP %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("twitter: HTTP %d", e.StatusCode)
}

// Unauthorized reports whether the error means the tokens are dead rather
// than the request being transiently unlucky.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Retryable reports whether the poller should back off and try again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func errorFromResponse(res *http.Response) error {
	apiErr := &APIError{StatusCode: res.StatusCode}
	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err == nil && len(body) > 0 {
		var payload struct {
			Errors []APIError `json:"errors"`
		}
		if json.Unmarshal(body, &payload) == nil && len(payload.Errors) > 0 {
			apiErr.Code = payload.Errors[0].Code
			apiErr.Message = payload.Errors[0].Message
		}
	}
	if apiErr.Unauthorized() {
		return fmt.Errorf("%w: %w", ErrNotLoggedIn, apiErr)
	}
	return apiErr
}
