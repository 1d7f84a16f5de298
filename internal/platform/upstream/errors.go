package upstream

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by lookups the upstream answered with 404.
var ErrNotFound = errors.New("resource not found")

// Error describes a failed call to the upstream FHIR server, either a
// resource lookup or the proxied request itself.
type Error struct {
	Op         string
	Kind       string
	ID         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	target := e.Kind
	if e.ID != "" {
		target += "/" + e.ID
	}
	msg := "upstream " + e.Op
	if target != "" {
		msg += " " + target
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
