package namespace

import "errors"

var (
	// ErrNotFound is returned when no live entry exists for a key.
	ErrNotFound = errors.New("namespace entry not found")

	// ErrPreconditionFailed is returned by Save when the durable record was
	// created or changed by another writer since it was loaded.
	ErrPreconditionFailed = errors.New("namespace precondition failed")

	// ErrTooManyConflicts is returned by PerformOperation after every attempt
	// lost a precondition race.
	ErrTooManyConflicts = errors.New("namespace operation exceeded conflict retries")

	// ErrCachedEntry is returned when saving an entry that was read from the
	// cache and therefore carries no precondition token.
	ErrCachedEntry = errors.New("cannot save an entry read from cache")

	// ErrInvalidKey is returned for keys without a container or blob name.
	ErrInvalidKey = errors.New("invalid namespace key")

	// ErrInvalidEntry is returned when a stored entry points outside the
	// configured data accounts.
	ErrInvalidEntry = errors.New("namespace entry references unknown account")
)
