package engine

import "fmt"

// ValidationError means the request itself was malformed or incomplete.
// Nothing is persisted; the caller retries with corrected input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ForbiddenError means the caller is not the party an artifact names.
type ForbiddenError struct {
	Msg string
}

func (e ForbiddenError) Error() string { return e.Msg }

// StateConflictError means a status transition was attempted from a state that
// does not allow it. It carries the actual current status so the caller can
// reconcile instead of guessing.
type StateConflictError struct {
	ID        string
	Attempted string
	Current   string
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s decision token %s: status is %q", e.Attempted, e.ID, e.Current)
}

// SignatureError marks a stored artifact whose signature no longer matches its
// content. It is a security event and is logged distinctly wherever raised.
type SignatureError struct {
	Artifact string
	ID       string
}

func (e SignatureError) Error() string {
	return fmt.Sprintf("%s %s: signature verification failed", e.Artifact, e.ID)
}
