package llm

import "fmt"

// ErrorKind classifies an upstream failure.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"     // transport failure, no HTTP status
	KindAuth       ErrorKind = "auth"        // 401 / 403
	KindRateLimit  ErrorKind = "rate_limit"  // 429
	KindBadRequest ErrorKind = "bad_request" // other 4xx
	KindServer     ErrorKind = "server"      // 5xx
)

// APIError is a typed upstream failure. The core never retries these;
// retry policy belongs to the transport layer above us.
type APIError struct {
	Kind       ErrorKind
	StatusCode int // zero for transport failures
	Provider   string
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s API error (%s, status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error (%s): %s", e.Provider, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// classifyStatus maps an HTTP status code to an ErrorKind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 429:
		return KindRateLimit
	case code >= 500:
		return KindServer
	default:
		return KindBadRequest
	}
}

func transportError(provider string, err error) *APIError {
	return &APIError{
		Kind:     KindNetwork,
		Provider: provider,
		Message:  err.Error(),
		cause:    err,
	}
}

func statusError(provider string, code int, body string) *APIError {
	return &APIError{
		Kind:       classifyStatus(code),
		StatusCode: code,
		Provider:   provider,
		Message:    body,
	}
}
