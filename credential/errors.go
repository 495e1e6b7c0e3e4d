package credential

import "errors"

var (
	// ErrAuthenticationExpired is returned when the identity server rejects
	// the session token. Only a new browser login recovers from it.
	ErrAuthenticationExpired = errors.New("authentication expired, log in again")

	// ErrNoSessionToken is returned when a credential must be derived but no
	// session token was ever supplied.
	ErrNoSessionToken = errors.New("no session token, log in first")

	// ErrSingleUse is returned by Get for kinds that are consumed by the step
	// that follows them and therefore never cached.
	ErrSingleUse = errors.New("credential kind is single-use and not cached")

	// ErrNoBackend is returned by Save when the manager has nowhere to write.
	ErrNoBackend = errors.New("no persistence backend configured")

	// ErrNoLogin is returned by CompleteLogin without a prior BeginLogin.
	ErrNoLogin = errors.New("no login in progress")

	// ErrNoCredentials is returned by FromEnv when none of the variables is set.
	ErrNoCredentials = errors.New("no credentials found")
)
