// errors contains types and interfaces representing download errors.
// It is used in the processor to classify failures of a download attempt by
// kind, so that the queue can decide whether to retry them.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a download error.
type Kind int

const (
	// KindTransfer covers HTTP status, redirect, timeout and socket errors.
	KindTransfer Kind = iota
	// KindValidation is a bad job input, detected before any I/O.
	KindValidation
	// KindResolution is a failed URL resolution. It never fails a job.
	KindResolution
	// KindCancelled is a cooperative cancellation.
	KindCancelled
	// KindFileSystem is a write, rename or delete failure of the destination.
	KindFileSystem
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResolution:
		return "resolution"
	case KindCancelled:
		return "cancelled"
	case KindFileSystem:
		return "filesystem"
	default:
		return "transfer"
	}
}

// DownloadError is the interface that encapsulate the bahaviour that must be met by any download error.
type DownloadError interface {
	Kind() Kind
	IsRetriable() bool
	Phase() string
	Err() error
	Error() string
	Unwrap() error
}

// downloadError implements the DownloadError interface.
// It encapsulates an error and gives it more context by describing
// the phase in which it occured.
type downloadError struct {
	err   error
	phase string
	kind  Kind
}

// Error returns a string created from the downloadError's attributes.
func (e downloadError) Error() string {
	return fmt.Sprintf("Error while %s, %s", e.phase, e.err)
}

// Kind exposes the current downloadError's kind.
func (e downloadError) Kind() Kind {
	return e.kind
}

// IsRetriable reports whether the queue may retry the attempt.
// Transfer and file system errors are, validation errors and cancellations
// are not.
func (e downloadError) IsRetriable() bool {
	return e.kind == KindTransfer || e.kind == KindFileSystem
}

// Phase returns the phase in which the error occured.
func (e downloadError) Phase() string {
	return e.phase
}

// Err returns the raw error wrapped by the current downloadError.
func (e downloadError) Err() error {
	return e.err
}

func (e downloadError) Unwrap() error {
	return e.err
}

// E creates and returns a new transfer downloadError with the given phase and err.
func E(phase string, err error) downloadError {
	return downloadError{phase: phase, err: err, kind: KindTransfer}
}

// Errorf is a convenience function that creates a new transfer downloadError
// with given phase automatically formatting the given arguments.
func Errorf(phase string, pattern string, args ...interface{}) downloadError {
	return E(phase, fmt.Errorf(pattern, args...))
}

// Validation returns a validation error.
func Validation(phase string, err error) downloadError {
	return downloadError{phase: phase, err: err, kind: KindValidation}
}

// Resolution returns a resolution error.
func Resolution(phase string, err error) downloadError {
	return downloadError{phase: phase, err: err, kind: KindResolution}
}

// Cancelled returns a cancellation error.
func Cancelled(phase string, err error) downloadError {
	return downloadError{phase: phase, err: err, kind: KindCancelled}
}

// FileSystem returns a file system error.
func FileSystem(phase string, err error) downloadError {
	return downloadError{phase: phase, err: err, kind: KindFileSystem}
}

// KindOf returns the kind of the first DownloadError in err's chain.
// Errors that are not download errors are considered transfer errors.
func KindOf(err error) Kind {
	var de DownloadError
	if stderrors.As(err, &de) {
		return de.Kind()
	}
	return KindTransfer
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}

// IsRetriable reports whether err may be retried by the queue.
func IsRetriable(err error) bool {
	var de DownloadError
	if stderrors.As(err, &de) {
		return de.IsRetriable()
	}
	return true
}
