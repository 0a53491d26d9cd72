package monitor

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Category classifies a monitor call failure into the keeper's error
// taxonomy.
type Category int

const (
	CategoryOther Category = iota
	CategoryRetryable
	CategoryObjectInUse
	CategoryIdentityMismatch
	CategoryVersionMismatch
)

func (c Category) String() string {
	switch c {
	case CategoryRetryable:
		return "retryable"
	case CategoryObjectInUse:
		return "object-in-use"
	case CategoryIdentityMismatch:
		return "identity-mismatch"
	case CategoryVersionMismatch:
		return "version-mismatch"
	default:
		return "other"
	}
}

// Postgres SQLSTATE codes this package classifies explicitly. Anything
// not listed here and outside classes 53 and 54 (checked below) falls
// into CategoryOther, which the control loop surfaces to its caller
// rather than retrying.
const (
	sqlstateSerializationFailure       = "40001"
	sqlstateStatementCompletionUnknown = "40003"
	sqlstateDeadlockDetected           = "40P01"
	sqlstateObjectInUse                = "55006"
	sqlstateExclusionViolation         = "23P01"
)

// isInsufficientResources reports membership in Postgres class 53
// (insufficient resources), e.g. 53100 disk full, 53200 out of memory,
// 53300 too many connections, 53400 configuration limit exceeded.
func isInsufficientResources(code string) bool {
	return len(code) == 5 && code[0:2] == "53"
}

// isProgramLimitExceeded reports membership in Postgres class 54
// (program limit exceeded).
func isProgramLimitExceeded(code string) bool {
	return len(code) == 5 && code[0:2] == "54"
}

// Classify maps an error returned by a monitor call to its category. A
// nil error classifies as CategoryOther (callers should never call
// Classify on success).
func Classify(err error) Category {
	if err == nil {
		return CategoryOther
	}

	var identity *IdentityMismatchError
	if errors.As(err, &identity) {
		return CategoryIdentityMismatch
	}
	var version *VersionMismatchError
	if errors.As(err, &version) {
		return CategoryVersionMismatch
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerializationFailure, sqlstateStatementCompletionUnknown, sqlstateDeadlockDetected:
			return CategoryRetryable
		case sqlstateObjectInUse:
			return CategoryObjectInUse
		case sqlstateExclusionViolation:
			return CategoryIdentityMismatch
		}
		if isInsufficientResources(pgErr.Code) || isProgramLimitExceeded(pgErr.Code) {
			return CategoryRetryable
		}
	}

	return CategoryOther
}

// Retryable reports whether a retry loop should attempt err again. Only
// CategoryRetryable and, during registration only, CategoryObjectInUse
// warrant another attempt; callers choose which via retryObjectInUse.
func Retryable(err error, retryObjectInUse bool) bool {
	switch Classify(err) {
	case CategoryRetryable:
		return true
	case CategoryObjectInUse:
		return retryObjectInUse
	default:
		return false
	}
}

// IdentityMismatchError reports a data-safety issue requiring operator
// action: an exclusion violation during registration (another node in
// this group has a different system identifier). A changed local system
// identifier is reported by state.ValidateSystemIdentifier with its own
// error, not with this type.
type IdentityMismatchError struct {
	Reason string
}

func (e *IdentityMismatchError) Error() string { return "identity mismatch: " + e.Reason }

// VersionMismatchError reports that the monitor's installed extension
// version does not match the version compiled into this keeper binary.
// It is fatal to the current process: the supervisor is expected to
// restart it, possibly with an updated binary.
type VersionMismatchError struct {
	Installed string
	Expected  string
}

func (e *VersionMismatchError) Error() string {
	return "monitor extension version " + e.Installed + " does not match keeper's expected version " + e.Expected
}
