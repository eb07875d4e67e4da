package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrSessionInvalidID = fmt.Errorf("session id invalid")
	ErrSessionBusy      = fmt.Errorf("session busy")
	ErrPoolFull         = fmt.Errorf("session pool at capacity")
	ErrMaxIterations    = fmt.Errorf("agent reached max iterations")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrToolArgsInvalid  = fmt.Errorf("tool arguments invalid")
	ErrExecTimeout      = fmt.Errorf("execution timed out")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrStreamClosed     = fmt.Errorf("client stream closed")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrBackendDown     = fmt.Errorf("llm backend unavailable")

	// Gateway errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Executor.Execute")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrBackendDown)
}

// ErrorCode is a machine-parseable error category for clients and monitoring.
type ErrorCode string

// Every sentinel error maps to exactly one code.
const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionInvalidID ErrorCode = "SESSION_ID_INVALID"
	CodeSessionBusy      ErrorCode = "SESSION_BUSY"
	CodePoolFull         ErrorCode = "POOL_FULL"
	CodeMaxIterations    ErrorCode = "MAX_ITERATIONS"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeToolArgsInvalid  ErrorCode = "TOOL_ARGS_INVALID"
	CodeExecTimeout      ErrorCode = "EXEC_TIMEOUT"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeStreamClosed     ErrorCode = "STREAM_CLOSED"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeBackendDown      ErrorCode = "BACKEND_UNAVAILABLE"
	CodeGatewayAuth      ErrorCode = "GATEWAY_AUTH"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrSessionInvalidID:  CodeSessionInvalidID,
	ErrSessionBusy:       CodeSessionBusy,
	ErrPoolFull:          CodePoolFull,
	ErrMaxIterations:     CodeMaxIterations,
	ErrToolNotFound:      CodeToolNotFound,
	ErrToolArgsInvalid:   CodeToolArgsInvalid,
	ErrExecTimeout:       CodeExecTimeout,
	ErrConfigLoad:        CodeConfigLoad,
	ErrStreamClosed:      CodeStreamClosed,
	ErrContextOverflow:   CodeContextOverflow,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrBackendDown:       CodeBackendDown,
	ErrGatewayAuthFailed: CodeGatewayAuth,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
