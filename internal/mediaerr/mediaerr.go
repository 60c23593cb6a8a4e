// Package mediaerr defines the error kinds shared by the upload, artifact and
// streaming components. Handlers map a Kind to an HTTP status in one place.
package mediaerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidType         Kind = "invalid_type"
	KindInvalidName         Kind = "invalid_name"
	KindInvalidRequest      Kind = "invalid_request"
	KindMissingChunk        Kind = "missing_chunk"
	KindIOFailure           Kind = "io_failure"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindRangeNotSatisfiable Kind = "range_not_satisfiable"
	KindConflict            Kind = "conflict"
	KindTimeout             Kind = "timeout"
	KindTooLarge            Kind = "too_large"
)

// Error is a classified failure. Err, when set, is the underlying cause and is
// never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, mediaerr.NotFound)
// works against wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	InvalidType         = &Error{Kind: KindInvalidType}
	InvalidName         = &Error{Kind: KindInvalidName}
	InvalidRequest      = &Error{Kind: KindInvalidRequest}
	MissingChunk        = &Error{Kind: KindMissingChunk}
	IOFailure           = &Error{Kind: KindIOFailure}
	NotFound            = &Error{Kind: KindNotFound}
	Forbidden           = &Error{Kind: KindForbidden}
	RangeNotSatisfiable = &Error{Kind: KindRangeNotSatisfiable}
	Conflict            = &Error{Kind: KindConflict}
	Timeout             = &Error{Kind: KindTimeout}
	TooLarge            = &Error{Kind: KindTooLarge}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// MissingChunkDetail is attached to KindMissingChunk errors.
type MissingChunkDetail struct {
	ChunkIndex int   `json:"chunkIndex"`
	Missing    []int `json:"missing"`
}

func NewMissingChunk(missing []int) *Error {
	return &Error{
		Kind:    KindMissingChunk,
		Message: fmt.Sprintf("chunk %d is missing", missing[0]),
		Detail:  MissingChunkDetail{ChunkIndex: missing[0], Missing: missing},
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindIOFailure for unclassified errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindIOFailure
}

func Status(kind Kind) int {
	switch kind {
	case KindInvalidType, KindInvalidName, KindInvalidRequest, KindMissingChunk:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusServiceUnavailable
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may repeat the same request unchanged.
func Retryable(kind Kind) bool {
	switch kind {
	case KindIOFailure, KindConflict, KindTimeout:
		return true
	}
	return false
}
