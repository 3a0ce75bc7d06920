package opiforge

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// ErrorKind classifies a build failure. Retry and abort policy key off
// the kind, not the message.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrNetworkFailure
	ErrInsufficientSpace
	ErrDependencyMissing
	ErrCompilationFailed
	ErrConfigurationFailed
	ErrInstallationFailed
	ErrImageAssemblyFailed
	ErrUserCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNetworkFailure:
		return "NetworkFailure"
	case ErrInsufficientSpace:
		return "InsufficientSpace"
	case ErrDependencyMissing:
		return "DependencyMissing"
	case ErrCompilationFailed:
		return "CompilationFailed"
	case ErrConfigurationFailed:
		return "ConfigurationFailed"
	case ErrInstallationFailed:
		return "InstallationFailed"
	case ErrImageAssemblyFailed:
		return "ImageAssemblyFailed"
	case ErrUserCancelled:
		return "UserCancelled"
	default:
		return "Unknown"
	}
}

// ErrorContext is the structured failure record produced by the
// executor and the stages. It is consumed immediately by the logger;
// stages keep at most the last one for their summary.
type ErrorContext struct {
	Kind      ErrorKind
	Message   string
	Origin    string // file:line of the raising call
	Timestamp time.Time
	// Exit status of the failing external command, -1 when not applicable.
	ExitStatus int
	// Signal that terminated the external command, 0 when it exited normally.
	Signal int
	cause  error
}

func (e *ErrorContext) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("%s: %s (terminated by signal %d)", e.Kind, e.Message, e.Signal)
	}
	if e.ExitStatus > 0 {
		return fmt.Sprintf("%s: %s (exit status %d)", e.Kind, e.Message, e.ExitStatus)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ErrorContext) Unwrap() error { return e.cause }

// SignalTerminated reports whether the underlying command died from a
// signal. Such failures are never retried.
func (e *ErrorContext) SignalTerminated() bool { return e.Signal != 0 }

// newErrorContext builds an ErrorContext recording the caller's location.
func newErrorContext(kind ErrorKind, cause error, format string, args ...any) *ErrorContext {
	ec := &ErrorContext{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Timestamp:  time.Now(),
		ExitStatus: -1,
		cause:      cause,
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		ec.Origin = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return ec
}

// Errorf creates a tagged ErrorContext two frames below the raising call.
func Errorf(kind ErrorKind, format string, args ...any) *ErrorContext {
	return newErrorContext(kind, nil, format, args...)
}

// WrapError tags an underlying error with a taxonomy kind.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *ErrorContext {
	return newErrorContext(kind, cause, format, args...)
}

// KindOf extracts the taxonomy kind from any error in the chain.
func KindOf(err error) ErrorKind {
	var ec *ErrorContext
	if errors.As(err, &ec) {
		return ec.Kind
	}
	return ErrUnknown
}
