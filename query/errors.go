package query

import "errors"

var (
	// ErrUnknownQuery means the name is neither a catalog entry nor an alias.
	ErrUnknownQuery = errors.New("unknown query")

	// ErrMissingVariable means a variable the query requires was not given.
	ErrMissingVariable = errors.New("missing variable")

	// ErrEmptyReference means a hash source produced no hashes.
	ErrEmptyReference = errors.New("hash reference is empty")

	// ErrMissingAuth means NewRequest was given no bullet token or game web
	// token.
	ErrMissingAuth = errors.New("missing credentials for request")
)
