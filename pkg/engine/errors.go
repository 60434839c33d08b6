package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides what the orchestrator does with a failure.
type ErrorClass string

const (
	// ErrorClassTransient failures may succeed on retry. During probing they
	// turn into an unknown capability instead of failing the registration.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict means content on the host blocked a write: a file
	// we do not own, or one edited since we fingerprinted it.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent failures repeat until the input changes.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeHashMismatch     = "HASH_MISMATCH"
	ErrCodeDeferred         = "DEFERRED_TO_OPERATOR"
	ErrCodeProbeFailed      = "PROBE_FAILED"
	ErrCodeStrategyFailed   = "STRATEGY_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// EngineError is a classified failure. Build one with the New*Error
// constructors and chain the With* setters:
//
//	engine.NewConflictError("file changed on disk", nil).
//		WithCode(engine.ErrCodeHashMismatch).
//		WithPath("/robots.txt")
//
// nolint:revive // the package name alone would read as engine.Error
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Path      string         `json:"path,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`

	Err error `json:"-"`
}

// Error renders "[class] message (path=..., operation=...): cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Path != "" {
		ctx = append(ctx, "path="+e.Path)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code, so a
// sentinel such as &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict}
// works with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, cause error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: cause}
}

func NewTransientError(message string, cause error) *EngineError {
	return newError(ErrorClassTransient, message, cause)
}

func NewConflictError(message string, cause error) *EngineError {
	return newError(ErrorClassConflict, message, cause)
}

func NewPermanentError(message string, cause error) *EngineError {
	return newError(ErrorClassPermanent, message, cause)
}

// NewNotFoundError reports a missing endpoint, record, backup or similar.
func NewNotFoundError(entity, id string) *EngineError {
	return NewPermanentError(entity+" not found: "+id, nil).WithCode(ErrCodeNotFound)
}

func (e *EngineError) WithPath(path string) *EngineError {
	e.Path = path
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// asEngineError returns the first EngineError in err's chain.
func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	ok := errors.As(err, &e)
	return e, ok
}

func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }
func IsConflict(err error) bool  { return classOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return classOf(err) == ErrorClassPermanent }

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool { return ErrorCode(err) == ErrCodeNotFound }

func classOf(err error) ErrorClass {
	if e, ok := asEngineError(err); ok {
		return e.Class
	}
	return ""
}

// ErrorCode returns the code of the first EngineError in err's chain, or ""
// when there is none.
func ErrorCode(err error) string {
	if e, ok := asEngineError(err); ok {
		return e.Code
	}
	return ""
}
