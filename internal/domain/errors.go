// Package domain provides shared domain-level sentinel errors.
//
// Every public service operation returns an error wrapping exactly one of
// these kinds, so transports can translate failures in a single place.
package domain

import (
	"errors"
	"net/http"
	"strings"
)

// ErrValidation indicates a missing or malformed request field.
var ErrValidation = errors.New("validation")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a transition the entity's current state forbids,
// including attempts to process an already processed evaluation.
var ErrConflict = errors.New("conflict")

// ErrUpstream indicates a failure reported by, or while talking to, a
// third-party evaluator.
var ErrUpstream = errors.New("upstream")

// ErrRetryExhausted indicates a compare-and-swap loop gave up after its
// configured number of attempts.
var ErrRetryExhausted = errors.New("retry exhausted")

var kinds = []struct {
	err    error
	status int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUpstream, http.StatusBadGateway},
	{ErrRetryExhausted, http.StatusServiceUnavailable},
}

// HTTPStatus maps an error to the status code of its kind.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Message returns the caller-facing part of a kind-wrapped error, i.e. the
// text following the "<kind>: " prefix. Errors of unknown kind yield "".
func Message(err error) string {
	for _, k := range kinds {
		if !errors.Is(err, k.err) {
			continue
		}
		msg := err.Error()
		if i := strings.Index(msg, k.err.Error()+": "); i >= 0 {
			return msg[i+len(k.err.Error())+2:]
		}
		return msg
	}
	return ""
}
