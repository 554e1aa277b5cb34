package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	sqliteUniqueMarker      = "UNIQUE constraint failed: "
	postgresUniqueViolation = "23505"
)

// UniqueConflict is the storage-level signal that a write violated a uniqueness
// constraint. Constraint holds the postgres constraint name when known; Columns
// holds the offending columns reported by sqlite.
type UniqueConflict struct {
	Table      string
	Constraint string
	Columns    []string
	Err        error
}

func (e *UniqueConflict) Error() string {
	target := e.Constraint
	if target == "" {
		target = strings.Join(e.Columns, ",")
	}
	return fmt.Sprintf("database: unique conflict on %s (%s)", e.Table, target)
}

func (e *UniqueConflict) Unwrap() error {
	return e.Err
}

// Involves reports whether the conflict names the given column or constraint.
func (e *UniqueConflict) Involves(name string) bool {
	if e.Constraint == name {
		return true
	}
	for _, column := range e.Columns {
		if column == name {
			return true
		}
	}
	return false
}

// AsUniqueConflict classifies err as a uniqueness violation for sqlite or postgres.
func AsUniqueConflict(err error) (*UniqueConflict, bool) {
	if err == nil {
		return nil, false
	}
	var existing *UniqueConflict
	if errors.As(err, &existing) {
		return existing, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != postgresUniqueViolation {
			return nil, false
		}
		return &UniqueConflict{Table: pgErr.TableName, Constraint: pgErr.ConstraintName, Err: err}, true
	}

	message := err.Error()
	if index := strings.Index(message, sqliteUniqueMarker); index >= 0 {
		return parseSQLiteConflict(message[index+len(sqliteUniqueMarker):], err), true
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &UniqueConflict{Err: err}, true
	}
	return nil, false
}

// parseSQLiteConflict reads "table.col1, table.col2 (2067)".
func parseSQLiteConflict(detail string, cause error) *UniqueConflict {
	if cut := strings.Index(detail, " ("); cut >= 0 {
		detail = detail[:cut]
	}
	conflict := &UniqueConflict{Err: cause}
	for _, qualified := range strings.Split(detail, ",") {
		qualified = strings.TrimSpace(qualified)
		table, column, found := strings.Cut(qualified, ".")
		if !found {
			continue
		}
		conflict.Table = table
		conflict.Columns = append(conflict.Columns, column)
	}
	return conflict
}
