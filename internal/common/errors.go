package common

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternal          = errors.New("internal error")
	ErrDatabase          = errors.New("database error")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrRetryExhausted    = errors.New("retry limit reached")
	ErrJobCancelled      = errors.New("job cancelled")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Pipeline error codes. These strings surface in the job error field.
const (
	CodeExtractionFailed    = "EXTRACTION_FAILED"
	CodeDetectionService    = "DETECTION_SERVICE_ERROR"
	CodePolicyValidation    = "POLICY_VALIDATION_ERROR"
	CodeAnonymization       = "ANONYMIZATION_ERROR"
	CodeOutputWrite         = "OUTPUT_WRITE_ERROR"
	CodeInvalidScope        = "INVALID_SCOPE"
	CodeUnsupportedFormat   = "UNSUPPORTED_FORMAT"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeServiceRejected     = "SERVICE_REJECTED"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeWorkerLost          = "WORKER_LOST"
)

// PipelineError is an AppError that also knows whether retrying can help.
type PipelineError struct {
	AppError
	Transient bool
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func newPipelineError(code string, transient bool, message string, cause error) *PipelineError {
	return &PipelineError{
		AppError:  AppError{Code: code, Message: message, Cause: cause},
		Transient: transient,
	}
}

// ExtractionFailed: no extraction method produced acceptable text.
func ExtractionFailed(message string, cause error) *PipelineError {
	return newPipelineError(CodeExtractionFailed, false, message, cause)
}

// DetectionServiceError wraps a failed detection call; it is retried at job level.
func DetectionServiceError(cause error) *PipelineError {
	return newPipelineError(CodeDetectionService, true, "detection service call failed", cause)
}

// PolicyValidationError reports a malformed or unresolvable policy.
func PolicyValidationError(message string, cause error) *PipelineError {
	return newPipelineError(CodePolicyValidation, false, message, cause)
}

// AnonymizationError is localized to one finding and never fails a job.
func AnonymizationError(message string, cause error) *PipelineError {
	return newPipelineError(CodeAnonymization, false, message, cause)
}

// OutputWriteError reports artifact persistence failure after writer retries.
func OutputWriteError(message string, cause error) *PipelineError {
	return newPipelineError(CodeOutputWrite, false, message, cause)
}

// InvalidScopeError rejects a dataset that falls outside a policy's scope.
func InvalidScopeError(message string) *PipelineError {
	return newPipelineError(CodeInvalidScope, false, message, ErrInvalidInput)
}

// UnsupportedFormatError rejects an output format that cannot be produced.
func UnsupportedFormatError(message string) *PipelineError {
	return newPipelineError(CodeUnsupportedFormat, false, message, ErrInvalidInput)
}

// UnsupportedFileTypeError rejects a file whose extension has no extraction strategy.
func UnsupportedFileTypeError(ext string) *PipelineError {
	return newPipelineError(CodeUnsupportedFileType, false, fmt.Sprintf("unsupported file type %q", ext), ErrInvalidInput)
}

// ServiceError is a raw failure talking to an external service.
func ServiceError(service string, transient bool, cause error) *PipelineError {
	code := CodeServiceRejected
	if transient {
		code = CodeServiceUnavailable
	}
	return newPipelineError(code, transient, service+" request failed", cause)
}

// StorageError wraps artifact store failures; they are retryable.
func StorageError(message string, cause error) *PipelineError {
	return newPipelineError(CodeStorageUnavailable, true, message, cause)
}

// WorkerLostError marks a job whose worker stopped reporting progress.
func WorkerLostError(message string) *PipelineError {
	return newPipelineError(CodeWorkerLost, true, message, nil)
}

// IsTransient reports whether err is worth retrying. Context deadlines count
// as transient; explicit cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return false
}

// ErrorCode returns the pipeline/app code carried by err, or "" if none.
func ErrorCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

// StatusFromError maps pipeline errors onto gRPC status codes.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NotFoundError(err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrInvalidInput),
		HasCode(err, CodePolicyValidation),
		HasCode(err, CodeInvalidScope),
		HasCode(err, CodeUnsupportedFormat):
		return InvalidArgumentError(err.Error())
	case IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	}
	return InternalError(err.Error())
}
