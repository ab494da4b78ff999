package resolver

import "fmt"

// PendingCreateError signals that a path refers to a resource scheduled for
// creation in the current batch. Callers defer instead of querying remotely.
type PendingCreateError struct {
	Path  string
	RowID string
}

func (e *PendingCreateError) Error() string {
	return fmt.Sprintf("resource %q is pending creation by row %q", e.Path, e.RowID)
}

// NotFoundError reports that a path could not be resolved to a remote ID.
type NotFoundError struct {
	Path         string
	ResourceType string
	Cause        error
}

func (e *NotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %q not found: %v", e.ResourceType, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s %q not found", e.ResourceType, e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Cause }
