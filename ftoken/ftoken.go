// Package ftoken obtains the "f" attestation value the NSO identity server
// requires before it will mint a web service token or a game web token.
//
// The value is produced by an external signing oracle. Provider abstracts
// it so callers can plug in their own oracle without touching the exchange.
package ftoken

import (
	"context"
	"errors"
	"fmt"
)

// HashMethod selects which chain step the f value is bound to.
type HashMethod int

const (
	// HashMethodIDToken signs the Nintendo Account id token (Account/Login).
	HashMethodIDToken HashMethod = 1
	// HashMethodWebServiceToken signs the web service token (GetWebServiceToken).
	HashMethodWebServiceToken HashMethod = 2
)

func (h HashMethod) String() string {
	switch h {
	case HashMethodIDToken:
		return "id_token"
	case HashMethodWebServiceToken:
		return "web_service_token"
	}
	return fmt.Sprintf("hash_method(%d)", int(h))
}

var (
	// ErrInvalidRequest is returned before any network call for a request
	// that does not match either call shape.
	ErrInvalidRequest = errors.New("invalid f-token request")

	// ErrUnavailable means no oracle produced a value.
	ErrUnavailable = errors.New("f-token oracle unavailable")

	// ErrMalformedResponse means an oracle answered without an f value.
	ErrMalformedResponse = errors.New("malformed f-token response")
)

// Request is one signing request. The two shapes are fixed: step 1 carries
// the id token and account id, step 2 additionally the coral user id.
type Request struct {
	Step        HashMethod
	Token       string
	NAID        string
	CoralUserID string
}

// Validate checks the request against its call shape.
func (r Request) Validate() error {
	if r.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	switch r.Step {
	case HashMethodIDToken:
	case HashMethodWebServiceToken:
		if r.CoralUserID == "" {
			return fmt.Errorf("%w: coral user id is required for %s", ErrInvalidRequest, r.Step)
		}
	default:
		return fmt.Errorf("%w: unknown %s", ErrInvalidRequest, r.Step)
	}
	return nil
}

// Result is what the identity server needs next to the signed token.
type Result struct {
	F         string
	RequestID string
	Timestamp int64
}

// Provider produces f values.
type Provider interface {
	FToken(ctx context.Context, req Request) (*Result, error)
}

// ProviderFunc adapts an ordinary function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Result, error)

func (f ProviderFunc) FToken(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
