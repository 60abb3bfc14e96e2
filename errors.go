package pgtap

import "github.com/cli-tools/pgtap/internal/domain"

// Error is returned by every operation that fails inside pgtap. Output holds
// the tail of initdb or server output when a process failed.
type Error = domain.Error

// Kind classifies an Error.
type Kind = domain.Kind

// Error kinds.
const (
	KindResolution       = domain.KindResolution
	KindIntegrity        = domain.KindIntegrity
	KindLockTimeout      = domain.KindLockTimeout
	KindExtraction       = domain.KindExtraction
	KindInvalidConfig    = domain.KindInvalidConfig
	KindInitialization   = domain.KindInitialization
	KindStart            = domain.KindStart
	KindReadinessTimeout = domain.KindReadinessTimeout
	KindCleanup          = domain.KindCleanup
)

// Sentinels for errors.Is.
var (
	ErrResolution       = domain.ErrResolution
	ErrIntegrity        = domain.ErrIntegrity
	ErrLockTimeout      = domain.ErrLockTimeout
	ErrExtraction       = domain.ErrExtraction
	ErrInvalidConfig    = domain.ErrInvalidConfig
	ErrInitialization   = domain.ErrInitialization
	ErrStart            = domain.ErrStart
	ErrReadinessTimeout = domain.ErrReadinessTimeout
	ErrCleanup          = domain.ErrCleanup
)

// IsRetryable reports whether retrying the failed operation may succeed, as
// after a lock or readiness timeout.
func IsRetryable(err error) bool { return domain.IsRetryable(err) }
