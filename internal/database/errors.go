package database

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when trying to insert a duplicate record
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict is returned when a conditional write loses against a concurrent writer
	ErrConflict = errors.New("conditional write conflict")
	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("backing store unavailable")
)

// ConflictKind names the guard a conditional write failed on
type ConflictKind string

const (
	ConflictSequence            ConflictKind = "sequence"
	ConflictRequirementsVersion ConflictKind = "requirements_version"
	ConflictReplyStatus         ConflictKind = "reply_status"
)

// ConflictError describes a failed conditional write
type ConflictError struct {
	Kind           ConflictKind
	ConversationID string
	ReplyID        string
	Expected       string
	Current        string
}

func (e *ConflictError) Error() string {
	target := e.ConversationID
	if e.ReplyID != "" {
		target = e.ReplyID
	}
	return fmt.Sprintf("%s conflict on %s: expected %s, current %s", e.Kind, target, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// isUniqueViolation reports whether err is a unique constraint failure in either dialect
func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// classify marks connection-level driver failures as ErrUnavailable so callers
// can tell a transient outage from a logical error
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "08" {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
