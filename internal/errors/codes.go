package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for table engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1004
	ErrCodeNotWindowed     ErrorCode = 1005

	// Partition lifecycle errors
	ErrCodePartitionNotAssigned ErrorCode = 1100
	ErrCodePartitionNotReady    ErrorCode = 1101
	ErrCodePartitionFailed      ErrorCode = 1102
	ErrCodePartitionRevoked     ErrorCode = 1103

	// Engine errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeStoreOpenFailed ErrorCode = 2001
	ErrCodeStoreFailed     ErrorCode = 2002
	ErrCodeAppendFailed    ErrorCode = 2003
	ErrCodeRecoveryFailed  ErrorCode = 2004
	ErrCodeCorruptedData   ErrorCode = 2005
	ErrCodeClosed          ErrorCode = 2006
)

// EngineError represents a structured error with code and context
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewEngineError creates a new EngineError
func NewEngineError(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(table string, key []byte) *EngineError {
	return NewEngineError(ErrCodeKeyNotFound, fmt.Sprintf("key not found in table %q", table), nil).
		WithDetail("table", table).
		WithDetail("key", string(key))
}

func KeyTooLarge(size, maxSize int) *EngineError {
	return NewEngineError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *EngineError {
	return NewEngineError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(reason string) *EngineError {
	return NewEngineError(ErrCodeInvalidKey, fmt.Sprintf("invalid key: %s", reason), nil).
		WithDetail("reason", reason)
}

func NotWindowed(table string) *EngineError {
	return NewEngineError(ErrCodeNotWindowed, fmt.Sprintf("table %q has no window configuration", table), nil).
		WithDetail("table", table)
}

func PartitionNotAssigned(table string, partition int32) *EngineError {
	return NewEngineError(ErrCodePartitionNotAssigned, fmt.Sprintf("partition %d of table %q is not assigned to this node", partition, table), nil).
		WithDetail("table", table).
		WithDetail("partition", partition)
}

func PartitionNotReady(table string, partition int32, state string) *EngineError {
	return NewEngineError(ErrCodePartitionNotReady, fmt.Sprintf("partition %d of table %q is not ready (state %s)", partition, table, state), nil).
		WithDetail("table", table).
		WithDetail("partition", partition).
		WithDetail("state", state)
}

func PartitionFailed(table string, partition int32, cause error) *EngineError {
	return NewEngineError(ErrCodePartitionFailed, fmt.Sprintf("partition %d of table %q is failed", partition, table), cause).
		WithDetail("table", table).
		WithDetail("partition", partition)
}

func PartitionRevoked(table string, partition int32) *EngineError {
	return NewEngineError(ErrCodePartitionRevoked, fmt.Sprintf("partition %d of table %q was revoked", partition, table), nil).
		WithDetail("table", table).
		WithDetail("partition", partition)
}

func StoreOpenFailed(table string, partition int32, cause error) *EngineError {
	return NewEngineError(ErrCodeStoreOpenFailed, fmt.Sprintf("failed to open store for partition %d of table %q", partition, table), cause).
		WithDetail("table", table).
		WithDetail("partition", partition)
}

func StoreFailed(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeStoreFailed, message, cause)
}

func AppendFailed(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeAppendFailed, message, cause)
}

func RecoveryFailed(table string, partition int32, cause error) *EngineError {
	return NewEngineError(ErrCodeRecoveryFailed, fmt.Sprintf("recovery failed for partition %d of table %q", partition, table), cause).
		WithDetail("table", table).
		WithDetail("partition", partition)
}

func CorruptedData(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeCorruptedData, message, cause)
}

func Closed(what string) *EngineError {
	return NewEngineError(ErrCodeClosed, fmt.Sprintf("%s is closed", what), nil)
}

func InternalError(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given engine error code
func HasCode(err error, code ErrorCode) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsKeyNotFound reports whether err is a key-not-found error
func IsKeyNotFound(err error) bool {
	return HasCode(err, ErrCodeKeyNotFound)
}
