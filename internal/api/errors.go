package api

import "fmt"

// Kind classifies a request failure so callers can decide whether a retry is
// worthwhile.
type Kind string

const (
	// KindNetwork marks a connection that could not be established or was
	// interrupted before a response arrived. Recoverable.
	KindNetwork Kind = "network"
	// KindTimeout marks a request that exceeded the allotted duration.
	// Recoverable.
	KindTimeout Kind = "timeout"
	// KindValidation marks a 4xx rejection due to bad input. Never retried
	// automatically; surfaced verbatim.
	KindValidation Kind = "validation"
	// KindServer marks a 5xx backend failure. Retried a bounded number of
	// times before surfacing.
	KindServer Kind = "server"
	// KindDecode marks a response body that could not be parsed.
	KindDecode Kind = "decode"
)

// Error is the typed failure every api.Client call resolves to. Status is 0
// for failures where no response was received.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return "api: <nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// Retryable reports whether the failure class is transient. Validation and
// decode failures are deterministic and repeat on retry.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// errorPayload mirrors the error body shape the catalog API emits on non-2xx
// responses.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
}
