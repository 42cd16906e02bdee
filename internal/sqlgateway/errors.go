package sqlgateway

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by gateway operations. Wrapping with %w keeps
// errors.Is working through the fmt.Errorf-with-operation-context idiom
// used everywhere below.
var (
	// ErrNotFound is what wrapSQLError turns sql.ErrNoRows into. Get does
	// not return it: an empty result from Get is (nil, nil).
	ErrNotFound = errors.New("sqlgateway: not found")

	// ErrCardinality means Get found more than one row where at most one
	// was expected.
	ErrCardinality = errors.New("sqlgateway: cardinality: more than one row")
)

// wrapSQLError wraps a database error with operation context, normalizing
// sql.ErrNoRows to ErrNotFound so callers never need to import
// database/sql just to compare errors.
func wrapSQLError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isDuplicateColumn reports whether err is the engine's "duplicate column
// name" error, the one error Try is expected to swallow during additive
// schema evolution (§4.B, §7 DuplicateColumn).
func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces this as a plain *sqlite.Error whose
	// message contains the SQLite engine's own wording; matching on
	// substring keeps this gateway decoupled from the driver's error type.
	msg := err.Error()
	return containsFold(msg, "duplicate column name")
}

func containsFold(s, substr string) bool {
	return indexFold(s, substr) >= 0
}

// indexFold is a tiny ASCII case-insensitive substring search, avoiding a
// strings.ToLower allocation on every Try call.
func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		match := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], substr[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
