// Package pipelineerrors defines the error taxonomy shared by every
// collaborator in the pipeline: the metadata store, blob store, queue
// broker, stage workers, and the gateway HTTP handlers.
//
// `fmt.Errorf` is replaced by the per-kind constructors below plus Enrichf
// and Bubblef:
//
//   - <Kind>f (ValidationErrorf, AuthErrorf, ...) constructs a fresh error of
//     that kind from a formatted message.
//   - Enrichf wraps an existing *Error, inheriting its kind, without
//     exposing it through errors.Unwrap. It is like using fmt.Errorf with
//     the %v verb.
//   - Bubblef is like Enrichf but exposes the wrapped error through
//     errors.Unwrap. It is like using fmt.Errorf with the %w verb.
//
// Callers classify an error with KindOf and branch on the result; HTTP
// handlers map Kind to a status code in one place
// (internal/gateway/httperror.go).
//
//	return pipelineerrors.Enrichf(err, "opening %s", path).
//		Attr(slog.String("book_id", bookID))
package pipelineerrors

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// Kind classifies an error per the propagation policy of spec §7.
type Kind int

const (
	// KindUnknown is the zero value; errors not constructed through this
	// package (including plain fmt/stdlib errors) report this kind.
	KindUnknown Kind = iota

	// KindValidation is malformed input, wrong format, oversized upload.
	// Surfaced as 4xx; causes no state change.
	KindValidation

	// KindAuth is a missing/invalid bearer token, an ownership mismatch,
	// or an unknown resource. Surfaced as 401/404, deliberately never
	// 403, so existence of another owner's book never leaks.
	KindAuth

	// KindStaleTransition is an UpdateBookState expected-state guard
	// failure. Internal only: the caller Acks the queue job and moves on
	// without surfacing anything to a user.
	KindStaleTransition

	// KindTransient is IO failure, queue unavailability, or store
	// contention. Retried with backoff inside the worker; surfaced as
	// 503 at the gateway if it reaches that far.
	KindTransient

	// KindFatal is a stage-reported unrecoverable failure, or a retry
	// budget exhausted. The book moves to Failed with a human-readable
	// error_message; no further retries.
	KindFatal

	// KindIntegrity is a chunk row present with its blob missing or
	// short. Treated as Fatal on read; the Streaming Gateway returns 404
	// and logs.
	KindIntegrity
)

// String renders the kind the way it's spelled in spec §7 and in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuth:
		return "AuthError"
	case KindStaleTransition:
		return "StaleTransition"
	case KindTransient:
		return "TransientError"
	case KindFatal:
		return "FatalError"
	case KindIntegrity:
		return "IntegrityError"
	default:
		return "Unknown"
	}
}

// Error is a Go error enriched with a Kind and structured attributes.
//
// Errors are *not* safe for concurrent use. Construct and mutate one in a
// single statement using method chaining; never mutate an error you didn't
// construct or that was constructed on another goroutine.
type Error struct {
	kind Kind
	msg  string // error message or context
	err  error  // wrapped error or nil

	noSentry    bool     // whether to skip Sentry upload
	fingerprint []string // extra Sentry fingerprint data

	// attrs is structured data associated with the error: included in
	// structured logging via slog, and uploaded as Sentry tags if captured.
	attrs map[string]slog.Value
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// ValidationErrorf constructs a KindValidation error.
func ValidationErrorf(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// AuthErrorf constructs a KindAuth error. Use this for both "invalid
// token" and "not found because not yours" — they are not distinguished at
// the HTTP boundary by design (spec §4.8, §7).
func AuthErrorf(format string, args ...any) *Error {
	return newf(KindAuth, format, args...)
}

// StaleTransitionf constructs a KindStaleTransition error.
func StaleTransitionf(format string, args ...any) *Error {
	return newf(KindStaleTransition, format, args...)
}

// TransientErrorf constructs a KindTransient error.
func TransientErrorf(format string, args ...any) *Error {
	return newf(KindTransient, format, args...)
}

// FatalErrorf constructs a KindFatal error.
func FatalErrorf(format string, args ...any) *Error {
	return newf(KindFatal, format, args...)
}

// IntegrityErrorf constructs a KindIntegrity error.
func IntegrityErrorf(format string, args ...any) *Error {
	return newf(KindIntegrity, format, args...)
}

// Enrichf enriches err without exposing it through errors.Unwrap.
//
// Given an empty format string, the resulting error's string representation
// is the same as err's. Otherwise Sprintf builds a message prepended to
// err's message with a separating colon.
//
// If err is itself an *Error, its kind, fingerprint, attrs and SkipSentry
// flag are carried over. If err is a plain error, the result has KindUnknown
// unless overridden with As.
func Enrichf(err error, format string, args ...any) *Error {
	return wrap(fmt.Sprintf(format, args...), err, false)
}

// Bubblef is like Enrichf, but exposes err through errors.Unwrap so the
// result matches it via errors.Is.
//
// Use this only when a caller is meant to inspect the inner error with
// errors.Is or errors.As; otherwise prefer Enrichf so implementation
// details don't leak.
func Bubblef(err error, format string, args ...any) *Error {
	return wrap(fmt.Sprintf(format, args...), err, true)
}

func wrap(msg string, err error, shouldWrap bool) *Error {
	if err == nil {
		panic("pipelineerrors: cannot wrap nil error")
	}

	wrapped := &Error{}

	switch {
	case shouldWrap:
		wrapped.msg = msg
		wrapped.err = err
	case msg == "":
		wrapped.msg = err.Error()
	default:
		wrapped.msg = fmt.Sprintf("%s: %v", msg, err)
	}

	if perr, ok := err.(*Error); ok {
		wrapped.kind = perr.kind
		wrapped.noSentry = perr.noSentry
		wrapped.fingerprint = slices.Clone(perr.fingerprint)
		wrapped.attrs = maps.Clone(perr.attrs)
	}

	return wrapped
}

// As sets the error's kind explicitly and returns the error. Useful after
// Enrichf/Bubblef wraps a plain stdlib error that should now be classified.
func (e *Error) As(kind Kind) *Error {
	e.kind = kind
	return e
}

// Attr associates structured data with the error and returns the error. The
// key-value pair is included when the error is logged via slog and, if the
// error is captured, added as a Sentry tag. A repeated key overwrites.
func (e *Error) Attr(attr slog.Attr) *Error {
	if e.attrs == nil {
		e.attrs = make(map[string]slog.Value)
	}
	e.attrs[attr.Key] = attr.Value
	return e
}

// SkipSentryIf marks the error as one that should not be uploaded to Sentry
// if condition is true, and returns it. If condition is false, the error is
// unchanged (a prior true is not cleared).
func (e *Error) SkipSentryIf(condition bool) *Error {
	e.noSentry = e.noSentry || condition
	return e
}

// Fingerprint appends to the error's Sentry fingerprint and returns it.
func (e *Error) Fingerprint(parts ...string) *Error {
	e.fingerprint = append(e.fingerprint, parts...)
	return e
}

// Kind returns the error's kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.err == nil:
		return e.msg
	case e.msg == "":
		return e.err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
}

// Unwrap returns the wrapped error, or nil if there isn't one.
func (e *Error) Unwrap() error {
	return e.err
}

// KindOf returns the Kind of err, or KindUnknown if err was not constructed
// through this package.
func KindOf(err error) Kind {
	if perr, ok := err.(*Error); ok {
		return perr.kind
	}
	return KindUnknown
}

// Is reports whether err was constructed (or enriched) with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Attrs returns any slog attrs stored in err, or nil.
func Attrs(err error) []slog.Attr {
	perr, ok := err.(*Error)
	if !ok {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(perr.attrs))
	for key, value := range perr.attrs {
		attrs = append(attrs, slog.Attr{Key: key, Value: value})
	}
	return attrs
}

// Tags returns the Sentry tags stored in err, or nil.
func Tags(err error) map[string]string {
	perr, ok := err.(*Error)
	if !ok {
		return nil
	}
	tags := make(map[string]string, len(perr.attrs))
	for key, value := range perr.attrs {
		tags[key] = value.String()
	}
	return tags
}

// SkipSentry reports whether err was marked as not needing to be captured.
func SkipSentry(err error) bool {
	perr, ok := err.(*Error)
	return ok && perr.noSentry
}

// ExtraFingerprint returns additional Sentry fingerprint parts stored in err.
func ExtraFingerprint(err error) []string {
	perr, ok := err.(*Error)
	if !ok {
		return nil
	}
	return perr.fingerprint
}
