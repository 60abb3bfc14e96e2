package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a provisioning failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindResolution
	KindIntegrity
	KindLockTimeout
	KindExtraction
	KindInvalidConfig
	KindInitialization
	KindStart
	KindReadinessTimeout
	KindCleanup
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindResolution:       "resolution",
	KindIntegrity:        "integrity",
	KindLockTimeout:      "lock timeout",
	KindExtraction:       "extraction",
	KindInvalidConfig:    "invalid config",
	KindInitialization:   "initialization",
	KindStart:            "start",
	KindReadinessTimeout: "readiness timeout",
	KindCleanup:          "cleanup",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a caller may reasonably retry the operation.
func (k Kind) Retryable() bool {
	return k == KindLockTimeout || k == KindReadinessTimeout
}

// Sentinels for errors.Is matching against a Kind.
var (
	ErrResolution       = &Error{Kind: KindResolution}
	ErrIntegrity        = &Error{Kind: KindIntegrity}
	ErrLockTimeout      = &Error{Kind: KindLockTimeout}
	ErrExtraction       = &Error{Kind: KindExtraction}
	ErrInvalidConfig    = &Error{Kind: KindInvalidConfig}
	ErrInitialization   = &Error{Kind: KindInitialization}
	ErrStart            = &Error{Kind: KindStart}
	ErrReadinessTimeout = &Error{Kind: KindReadinessTimeout}
	ErrCleanup          = &Error{Kind: KindCleanup}
)

// Error is the error type returned across component boundaries.
// Output carries captured process output for initialization and start failures.
type Error struct {
	Kind   Kind
	Op     string
	Output string
	Err    error
}

// E builds an *Error of the given kind.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
