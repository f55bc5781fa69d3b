package module

import (
	"errors"
	"fmt"
)

// ErrorClass groups error codes by the component boundary that contains them.
type ErrorClass string

const (
	// ErrorClassConfig marks a descriptor that was excluded from the registry.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassInstall marks a module whose install state is InstallFailed.
	ErrorClassInstall ErrorClass = "install"

	// ErrorClassProcess marks a failure of a supervised process.
	ErrorClassProcess ErrorClass = "process"

	// ErrorClassFatal marks a failure that stops the orchestrator itself.
	ErrorClassFatal ErrorClass = "fatal"
)

// ErrorCode identifies a specific failure for programmatic handling.
type ErrorCode string

// Error codes.
const (
	CodeConfigValidation  ErrorCode = "CONFIG_VALIDATION"
	CodePolicyDenied      ErrorCode = "POLICY_DENIED"
	CodeDependency        ErrorCode = "DEPENDENCY"
	CodeNetwork           ErrorCode = "NETWORK_ERROR"
	CodeChecksumMismatch  ErrorCode = "CHECKSUM_MISMATCH"
	CodeExtract           ErrorCode = "EXTRACT_ERROR"
	CodeDiskFull          ErrorCode = "DISK_FULL"
	CodeUnsupported       ErrorCode = "UNSUPPORTED"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeProcessSpawn      ErrorCode = "PROCESS_SPAWN"
	CodeCrashLoopExceeded ErrorCode = "CRASH_LOOP_EXCEEDED"
	CodeShutdownTimeout   ErrorCode = "SHUTDOWN_TIMEOUT"
	CodeModulesRoot       ErrorCode = "MODULES_ROOT"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrConfigValidation  = &Error{Class: ErrorClassConfig, Code: CodeConfigValidation}
	ErrPolicyDenied      = &Error{Class: ErrorClassConfig, Code: CodePolicyDenied}
	ErrDependency        = &Error{Code: CodeDependency}
	ErrNetwork           = &Error{Class: ErrorClassInstall, Code: CodeNetwork}
	ErrChecksumMismatch  = &Error{Class: ErrorClassInstall, Code: CodeChecksumMismatch}
	ErrExtract           = &Error{Class: ErrorClassInstall, Code: CodeExtract}
	ErrDiskFull          = &Error{Class: ErrorClassInstall, Code: CodeDiskFull}
	ErrUnsupported       = &Error{Class: ErrorClassInstall, Code: CodeUnsupported}
	ErrCancelled         = &Error{Class: ErrorClassInstall, Code: CodeCancelled}
	ErrProcessSpawn      = &Error{Class: ErrorClassProcess, Code: CodeProcessSpawn}
	ErrCrashLoopExceeded = &Error{Class: ErrorClassProcess, Code: CodeCrashLoopExceeded}
	ErrShutdownTimeout   = &Error{Class: ErrorClassProcess, Code: CodeShutdownTimeout}
	ErrModulesRoot       = &Error{Class: ErrorClassFatal, Code: CodeModulesRoot}
	ErrInternal          = &Error{Class: ErrorClassFatal, Code: CodeInternal}
)

// Error is a classified error scoped to a single module.
type Error struct {
	// Class is the component boundary the error belongs to.
	Class ErrorClass `json:"class"`

	// Code identifies the failure.
	Code ErrorCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ModuleID is the module the error belongs to, if any.
	ModuleID string `json:"module_id,omitempty"`

	// Operation is the step that failed (fetch, verify, extract, spawn...).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries extra context for status output.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.ModuleID != "" && e.Operation != "":
		msg = fmt.Sprintf("[%s] %s (module=%s, operation=%s)", e.Code, msg, e.ModuleID, e.Operation)
	case e.ModuleID != "":
		msg = fmt.Sprintf("[%s] %s (module=%s)", e.Code, msg, e.ModuleID)
	default:
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code. A target without a code
// matches on class alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Class != "" && t.Class == e.Class
	}
	return t.Code == e.Code
}

// Reason returns a status-friendly reason string without the code prefix.
func (e *Error) Reason() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewConfigError creates a configuration validation error.
func NewConfigError(moduleID, message string, err error) *Error {
	return &Error{
		Class:    ErrorClassConfig,
		Code:     CodeConfigValidation,
		ModuleID: moduleID,
		Message:  message,
		Err:      err,
	}
}

// NewInstallError creates an install error with the given code.
func NewInstallError(code ErrorCode, moduleID, message string, err error) *Error {
	return &Error{
		Class:    ErrorClassInstall,
		Code:     code,
		ModuleID: moduleID,
		Message:  message,
		Err:      err,
	}
}

// NewProcessError creates a process supervision error with the given code.
func NewProcessError(code ErrorCode, moduleID, message string, err error) *Error {
	return &Error{
		Class:    ErrorClassProcess,
		Code:     code,
		ModuleID: moduleID,
		Message:  message,
		Err:      err,
	}
}

// NewFatalError creates an orchestrator-fatal error.
func NewFatalError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Class:   ErrorClassFatal,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of the first *Error in err's chain, or "".
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsFatal reports whether err must stop the orchestrator.
func IsFatal(err error) bool {
	return ClassOf(err) == ErrorClassFatal
}

// IsRetryable reports whether an install failure may succeed on a later
// attempt without a configuration change.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeDiskFull, CodeCancelled:
		return true
	default:
		return false
	}
}
