package persistence

import (
	"errors"
	"fmt"
	"strings"
)

// Error sentinels forming the engine's error taxonomy. Callers classify
// with errors.Is; everything the store returns wraps exactly one of these.
var (
	// ErrNotFound: session, instance, or backup id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation: malformed enum, duplicate ordinal, oversized content.
	// Never retried automatically.
	ErrValidation = errors.New("validation failed")
	// ErrConflict: storage temporarily busy or locked after retries were
	// exhausted. Safe to retry with backoff.
	ErrConflict = errors.New("storage busy")
	// ErrIntegrity: schema or foreign-key corruption detected. Fatal; the
	// store refuses further writes until an operator restores a backup.
	ErrIntegrity = errors.New("integrity violation")
	// ErrMigration: a legacy file could not be parsed or loaded. The
	// importer continues with remaining files.
	ErrMigration = errors.New("migration failed")
)

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// Kind maps an error to its taxonomy name, or "internal" for anything
// outside the five caller-visible kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrMigration):
		return "migration"
	default:
		return "internal"
	}
}

// isConstraintErr reports whether err is a SQLite constraint failure
// (unique, check, or foreign key). The string check mirrors isSQLiteBusy:
// it keeps non-CGO code paths free of a direct sqlite3 package dependency.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "(19)") // SQLITE_CONSTRAINT
}
