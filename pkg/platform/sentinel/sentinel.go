package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// and services translate them into domain errors:
//   - ErrNotFound: no row for the given key
//   - ErrConflict: the stored version no longer matches the expected version
//   - ErrAlreadyExists: a unique key is already taken
//   - ErrUnavailable: backing service temporarily unreachable
//
// Validation failures belong in pkg/domain-errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("version conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnavailable   = errors.New("unavailable")
)
