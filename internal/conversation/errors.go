package conversation

import (
	"errors"
	"fmt"

	"github.com/arkb75/SoloPilot-sub000/internal/database"
)

var (
	// ErrSequenceConflict is returned when an append keeps losing the last_seq race
	ErrSequenceConflict = fmt.Errorf("%w: append retries exhausted", database.ErrConflict)
	// ErrVersionConflict is returned when the stored requirements_version differs from the expected one
	ErrVersionConflict = fmt.Errorf("%w: requirements version mismatch", database.ErrConflict)
	// ErrDuplicateEmail is returned when history already holds an inbound email with the same canonical id
	ErrDuplicateEmail = errors.New("email already in conversation history")
	// ErrNoIdentity is returned when a message id canonicalizes to nothing
	ErrNoIdentity = errors.New("message has no usable identity")
)

func isConflict(err error) bool {
	return errors.Is(err, database.ErrConflict)
}
