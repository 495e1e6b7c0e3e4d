package nso

import (
	"errors"
	"fmt"

	"github.com/stephnangue/splatauth/helper"
)

var (
	// ErrMalformedRedirect means the redirect URL pasted after login lacks
	// the app scheme or the session_token_code parameter.
	ErrMalformedRedirect = errors.New("malformed login redirect")

	// ErrTokenExchangeRejected means an upstream refused the request. It is
	// never retried: the input credential is bad or already consumed.
	ErrTokenExchangeRejected = errors.New("token exchange rejected")

	// ErrUpstreamUnavailable means the upstream could not be reached or
	// kept failing transiently until the retry budget ran out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrObsoleteVersion accompanies a rejection of the web view version.
	ErrObsoleteVersion = errors.New("web view version is obsolete")

	// ErrNotRegistered accompanies a rejection for an account that has
	// never played the game.
	ErrNotRegistered = errors.New("user is not registered with the game")

	// ErrMalformedResponse means a success status came with an unusable body.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrLoginRequired is returned when advancing a state that needs the
	// redirect from the browser login.
	ErrLoginRequired = errors.New("state needs the login redirect")

	// ErrChainComplete is returned when advancing Ready.
	ErrChainComplete = errors.New("identity chain is complete")
)

// StepError reports which transition failed. Err wraps one of the package
// sentinels, so errors.Is works through it.
type StepError struct {
	Stage      Stage
	StatusCode int
	Err        error
}

func (e *StepError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("nso: %s (status %d): %v", e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("nso: %s: %v", e.Stage, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Stage of err if it is a StepError, and whether it was.
func StageOf(err error) (Stage, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}

// transportError classifies a helper.HTTPClient error for stage.
func transportError(stage Stage, err error, extra ...error) error {
	kind := ErrUpstreamUnavailable
	if errors.Is(err, helper.ErrRejected) {
		kind = ErrTokenExchangeRejected
	}
	wrapped := fmt.Errorf("%w: %w", kind, err)
	if len(extra) > 0 {
		wrapped = fmt.Errorf("%w: %w", kind, errors.Join(append(extra, err)...))
	}
	return &StepError{Stage: stage, StatusCode: helper.StatusCode(err), Err: wrapped}
}

func malformed(stage Stage, format string, args ...interface{}) error {
	return &StepError{
		Stage: stage,
		Err:   fmt.Errorf("%w: %w: %s", ErrUpstreamUnavailable, ErrMalformedResponse, fmt.Sprintf(format, args...)),
	}
}

func rejected(stage Stage, format string, args ...interface{}) error {
	return &StepError{
		Stage: stage,
		Err:   fmt.Errorf("%w: %s", ErrTokenExchangeRejected, fmt.Sprintf(format, args...)),
	}
}
