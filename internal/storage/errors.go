// Package storage holds the SQL plumbing shared by the reconciler and the
// retrieval store: sentinel errors, dialect differences between Postgres and
// SQLite, and a pool of *sql.DB handles keyed by connection string.
package storage

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnreachable indicates that a database could not be opened or pinged.
	ErrUnreachable = errors.New("database unreachable")
)

// Postgres SQLSTATE codes for objects that already exist. A concurrent
// CREATE EXTENSION can surface as a unique violation on pg_extension.
const (
	codeDuplicateTable  = "42P07"
	codeDuplicateObject = "42710"
	codeUniqueViolation = "23505"
)

// IsDuplicateObject reports whether err is Postgres refusing to create an
// object that already exists.
func IsDuplicateObject(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case codeDuplicateTable, codeDuplicateObject, codeUniqueViolation:
		return true
	}
	return false
}
