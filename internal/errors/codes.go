package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for cache operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeKeyNotFound      ErrorCode = 1001
	ErrCodeInvalidState     ErrorCode = 1002
	ErrCodeCapacityExceeded ErrorCode = 1003

	// Server and cluster errors (5xx equivalent)
	ErrCodeInternal               ErrorCode = 2000
	ErrCodeConflict               ErrorCode = 2001
	ErrCodeTopologyChanged        ErrorCode = 2002
	ErrCodeParticipantUnreachable ErrorCode = 2003
	ErrCodeStoreUnavailable       ErrorCode = 2004
	ErrCodeCorruptedSnapshot      ErrorCode = 2005
	ErrCodeVersionOrdering        ErrorCode = 2006
	ErrCodeTopologyGap            ErrorCode = 2007
	ErrCodeStopped                ErrorCode = 2008
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                     "OK",
	ErrCodeInvalidArgument:        "INVALID_ARGUMENT",
	ErrCodeKeyNotFound:            "KEY_NOT_FOUND",
	ErrCodeInvalidState:           "INVALID_STATE",
	ErrCodeCapacityExceeded:       "CAPACITY_EXCEEDED",
	ErrCodeInternal:               "INTERNAL",
	ErrCodeConflict:               "CONFLICT",
	ErrCodeTopologyChanged:        "TOPOLOGY_CHANGED",
	ErrCodeParticipantUnreachable: "PARTICIPANT_UNREACHABLE",
	ErrCodeStoreUnavailable:       "STORE_UNAVAILABLE",
	ErrCodeCorruptedSnapshot:      "CORRUPTED_SNAPSHOT",
	ErrCodeVersionOrdering:        "VERSION_ORDERING",
	ErrCodeTopologyGap:            "TOPOLOGY_GAP",
	ErrCodeStopped:                "STOPPED",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// CacheError represents a structured error with code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether re-executing the operation may succeed
func (e *CacheError) Retryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodeTopologyChanged, ErrCodeParticipantUnreachable:
		return true
	}
	return false
}

// HTTPStatus maps the error code to an HTTP status code
func (e *CacheError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeKeyNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeCapacityExceeded:
		return http.StatusInsufficientStorage
	case ErrCodeTopologyChanged, ErrCodeParticipantUnreachable, ErrCodeStoreUnavailable, ErrCodeStopped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToGRPCStatus converts CacheError to gRPC status
func (e *CacheError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *CacheError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeInvalidState, ErrCodeTopologyChanged:
		return codes.FailedPrecondition
	case ErrCodeConflict:
		return codes.Aborted
	case ErrCodeCapacityExceeded:
		return codes.ResourceExhausted
	case ErrCodeParticipantUnreachable, ErrCodeStoreUnavailable, ErrCodeStopped:
		return codes.Unavailable
	case ErrCodeCorruptedSnapshot, ErrCodeVersionOrdering:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func InvalidState(message string) *CacheError {
	return NewCacheError(ErrCodeInvalidState, message, nil)
}

func Conflict(key string, reason string) *CacheError {
	return NewCacheError(ErrCodeConflict, fmt.Sprintf("conflict on key %q: %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func LockTimeout(key string, timeout time.Duration) *CacheError {
	return NewCacheError(ErrCodeConflict, fmt.Sprintf("lock wait on key %q timed out after %v", key, timeout), nil).
		WithDetail("key", key).
		WithDetail("timeout", timeout.String())
}

func TopologyChanged(partition int, expected, actual string) *CacheError {
	return NewCacheError(ErrCodeTopologyChanged,
		fmt.Sprintf("affinity changed for partition %d: expected %s, have %s", partition, expected, actual), nil).
		WithDetail("partition", partition).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func NotPrimary(partition int, node string) *CacheError {
	return NewCacheError(ErrCodeTopologyChanged,
		fmt.Sprintf("node %s is not primary for partition %d", node, partition), nil).
		WithDetail("partition", partition).
		WithDetail("node", node)
}

func ParticipantUnreachable(node string, cause error) *CacheError {
	return NewCacheError(ErrCodeParticipantUnreachable, fmt.Sprintf("participant %s unreachable", node), cause).
		WithDetail("node", node)
}

func StoreUnavailable(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeStoreUnavailable, message, cause)
}

func CapacityExceeded(partition int, needed, available int64) *CacheError {
	return NewCacheError(ErrCodeCapacityExceeded,
		fmt.Sprintf("partition %d cannot fit %d bytes, %d available", partition, needed, available), nil).
		WithDetail("partition", partition).
		WithDetail("needed", needed).
		WithDetail("available", available)
}

func CorruptedSnapshot(partition int, cause error) *CacheError {
	return NewCacheError(ErrCodeCorruptedSnapshot, fmt.Sprintf("corrupted snapshot stream for partition %d", partition), cause).
		WithDetail("partition", partition)
}

func VersionOrdering(key string, current, incoming string) *CacheError {
	return NewCacheError(ErrCodeVersionOrdering,
		fmt.Sprintf("version ordering violated on key %q: %s after %s", key, incoming, current), nil).
		WithDetail("key", key)
}

func TopologyGap(expected, actual uint64) *CacheError {
	return NewCacheError(ErrCodeTopologyGap, fmt.Sprintf("topology event gap: expected version %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func Stopped(component string) *CacheError {
	return NewCacheError(ErrCodeStopped, fmt.Sprintf("%s is stopped", component), nil)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

// IsCacheError checks if an error chain contains a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether the error chain carries the given code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether the error chain carries a retryable code
func IsRetryable(err error) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// FromGRPCError classifies a transport-level gRPC failure
func FromGRPCError(node string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return ParticipantUnreachable(node, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return ParticipantUnreachable(node, err)
	default:
		return InternalError(fmt.Sprintf("rpc to %s failed", node), err)
	}
}

// Wire is the transport form of an error
type Wire struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ToWire flattens an error for transmission
func ToWire(err error) *Wire {
	if err == nil {
		return nil
	}
	return &Wire{Code: GetCode(err), Message: err.Error()}
}

// FromWire rebuilds a coded error received from a peer
func FromWire(w *Wire) error {
	if w == nil {
		return nil
	}
	return NewCacheError(w.Code, w.Message, nil)
}

// Stack-aware helpers so callers can use this package in place of the standard one

func New(message string) error {
	return pkgerrors.New(message)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
