package tperapi

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed upstream call
type Kind int

const (
	// KindAPI covers generic upstream failures, transport errors, timeouts and unexpected payloads
	KindAPI Kind = iota
	// KindNoResults means a search matched nothing
	KindNoResults
	KindNotAvailable
	KindNoMoreBuses
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindNoResults:
		return "no_results"
	case KindNotAvailable:
		return "not_available"
	case KindNoMoreBuses:
		return "no_more_buses"
	case KindSystem:
		return "system_error"
	default:
		return "api_error"
	}
}

// Upstream wording that identifies each failure. These phrases are part of the
// upstream contract and must be revalidated if the operator changes its messages.
const (
	markerNoResults    = "Nessun risultato!"
	markerNotAvailable = "Informazioni in tempo reale non disponibili"
	markerNoMoreBuses  = "prevista nessun'altra corsa"
	markerSystem       = "qualche problema con il sistema di informazioni in tempo reale"
)

// ErrBulkAborted is returned when a multi-line fetch could not be carried out at all
var ErrBulkAborted = errors.New("tperapi: bulk fetch aborted")

// Error is a classified upstream failure
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tperapi %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tperapi %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a classified error, KindAPI for anything else
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindAPI
}

// classifyMessage maps an upstream error message to a kind, first match wins
func classifyMessage(head, message string) Kind {
	switch {
	case strings.Contains(head, markerNoResults):
		return KindNoResults
	case strings.Contains(message, markerNotAvailable):
		return KindNotAvailable
	case strings.Contains(message, markerNoMoreBuses):
		return KindNoMoreBuses
	case strings.Contains(message, markerSystem):
		return KindSystem
	default:
		return KindAPI
	}
}

func apiError(format string, err error, args ...any) *Error {
	return &Error{Kind: KindAPI, Message: fmt.Sprintf(format, args...), Err: err}
}
