package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRunNotFound is returned when the run directory or its manifest does
// not exist.
var ErrRunNotFound = errors.New("store: run not found")

// RevisionConflictError reports an optimistic-lock mismatch. The actual
// current revision is disclosed so the caller can re-read and retry.
type RevisionConflictError struct {
	Expected int64
	Actual   int64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("store: revision conflict: expected %d, actual %d", e.Expected, e.Actual)
}

// SchemaViolationError reports a patch rejected before any write, with a
// field-path pointer per offending field.
type SchemaViolationError struct {
	Fields []string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("store: schema violation (%s): %s", e.Reason, strings.Join(e.Fields, ", "))
}
