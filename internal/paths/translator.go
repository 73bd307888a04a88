// Package paths translates journal events into path sets, the flat
// representation that is broadcast to clients.
package paths

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/elitecast/internal/event"
)

// PathSet is the ordered translation of exactly one event. An empty
// PathSet is still a translation and is broadcast as an empty payload.
type PathSet []string

// Translator converts an event into its path set. Implementations must be
// deterministic and safe for concurrent use.
type Translator interface {
	ToPaths(e event.Event) (PathSet, error)
}

// TranslatorFunc adapts a function into a Translator.
type TranslatorFunc func(e event.Event) (PathSet, error)

// ToPaths calls f(e).
func (f TranslatorFunc) ToPaths(e event.Event) (PathSet, error) { return f(e) }

// ErrSkipEvent is returned by a Translator for an event that is
// deliberately not broadcast. It is not a translation failure.
var ErrSkipEvent = errors.New("event excluded from broadcast")

// TranslationError reports that an event could not be translated.
type TranslationError struct {
	EventType string
	Seq       uint64
	Err       error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translating %s #%d: %v", e.EventType, e.Seq, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

func translationError(e event.Event, err error) *TranslationError {
	return &TranslationError{EventType: e.Type, Seq: e.Seq, Err: err}
}
