package auth

import "context"

// Store persists credential records across restarts. The pool reads it once
// at startup (Manager.Load) and writes back on registration, updates, and
// result handling.
type Store interface {
	// List returns every stored auth record.
	List(ctx context.Context) ([]*Auth, error)
	// Save persists auth, replacing any record with the same ID, and returns
	// the backend-specific location it was written to.
	Save(ctx context.Context, auth *Auth) (string, error)
	// Delete removes the record identified by id. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, id string) error
}
