package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorKind classifies broker API failures by HTTP status.
type ErrorKind int

const (
	InvalidRequest ErrorKind = iota + 1
	AuthorizationError
	Forbidden
	NotFound
	TooManyRequests
	ServerError
)

// KindFromStatus maps an HTTP status onto an ErrorKind. Codes outside the
// taxonomy return false and must be treated as unmapped, not as success.
func KindFromStatus(status int) (ErrorKind, bool) {
	switch status {
	case http.StatusBadRequest:
		return InvalidRequest, true
	case http.StatusUnauthorized:
		return AuthorizationError, true
	case http.StatusForbidden:
		return Forbidden, true
	case http.StatusNotFound:
		return NotFound, true
	case http.StatusTooManyRequests:
		return TooManyRequests, true
	case http.StatusInternalServerError:
		return ServerError, true
	default:
		return 0, false
	}
}

func (k ErrorKind) String() string {
	switch k {
	case InvalidRequest:
		return "InvalidRequest"
	case AuthorizationError:
		return "AuthorizationError"
	case Forbidden:
		return "Forbidden"
	case NotFound:
		return "NotFound"
	case TooManyRequests:
		return "TooManyRequests"
	case ServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// Description returns a human readable explanation of the error kind.
func (k ErrorKind) Description() string {
	switch k {
	case InvalidRequest:
		return "The request was malformed or failed validation"
	case AuthorizationError:
		return "The session token is missing, invalid or expired"
	case Forbidden:
		return "The session is not allowed to access this resource"
	case NotFound:
		return "The requested resource does not exist"
	case TooManyRequests:
		return "Rate limit exceeded, slow down requests"
	case ServerError:
		return "The broker failed to process the request"
	default:
		return "Unrecognized broker error"
	}
}

// APIError represents an API error with status code and response body
type APIError struct {
	Status  int
	Body    string
	Code    string
	Message string
}

func newAPIError(status int, body string) *APIError {
	e := &APIError{Status: status, Body: body}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil {
		e.Code = payload.Error.Code
		e.Message = payload.Error.Message
	}
	return e
}

func (e *APIError) Error() string {
	if kind, ok := e.Kind(); ok {
		if e.Message != "" {
			return fmt.Sprintf("API error %d (%s): %s", e.Status, kind, e.Message)
		}
		return fmt.Sprintf("API error %d (%s): %s", e.Status, kind, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Kind returns the taxonomy entry for the status, if any.
func (e *APIError) Kind() (ErrorKind, bool) {
	return KindFromStatus(e.Status)
}

// Identifier returns the broker's error code, falling back to the raw body.
// It identifies ServerError responses in logs.
func (e *APIError) Identifier() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Body
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}
