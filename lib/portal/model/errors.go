package model

import (
	"errors"
	"fmt"
	"strings"
)

type AuthErrorKind int

const (
	InvalidCredentials AuthErrorKind = iota
	ParseFailure
	AuthNetwork
)

func (k AuthErrorKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid_credentials"
	case ParseFailure:
		return "parse_failure"
	case AuthNetwork:
		return "network"
	}
	return "unknown"
}

// AuthError is returned by login and relogin. No session survives it.
type AuthError struct {
	Kind   AuthErrorKind
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "auth error: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind alone, e.g.
// errors.Is(err, &AuthError{Kind: InvalidCredentials}).
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var ErrSessionExpired = errors.New("portal session expired")

// ErrAmbiguousSuccess is an intermediate outcome. It is always resolved into
// a success or an EndpointVariantExhausted before reaching a caller.
var ErrAmbiguousSuccess = errors.New("ambiguous success")

type DelegationFailureKind int

const (
	DelegationSessionExpired DelegationFailureKind = iota
	DelegationRemoteRejected
)

func (k DelegationFailureKind) String() string {
	if k == DelegationSessionExpired {
		return "sessionExpired"
	}
	return "remoteRejected"
}

type DelegationFailure struct {
	Kind     DelegationFailureKind
	MemberID string
	Err      error
}

func (e *DelegationFailure) Error() string {
	msg := fmt.Sprintf("delegation to member %q failed: %s", e.MemberID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DelegationFailure) Unwrap() error {
	return e.Err
}

func (e *DelegationFailure) Is(target error) bool {
	t, ok := target.(*DelegationFailure)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}

type EndpointVariantExhausted struct {
	Operation string
	Tried     []string
}

func (e *EndpointVariantExhausted) Error() string {
	return fmt.Sprintf(
		"%s: no endpoint variant confirmed the change (tried %s)",
		e.Operation, strings.Join(e.Tried, ", "),
	)
}

type ServerError struct {
	Status int
	Reason string
}

func (e *ServerError) Error() string {
	if e.Status == 0 {
		return "server error: " + e.Reason
	}
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Reason)
}

type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is one the retry policy may recover from
// on its own.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var serverErr *ServerError
	var netErr *NetworkError
	return errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrAmbiguousSuccess) ||
		errors.As(err, &serverErr) ||
		errors.As(err, &netErr)
}

// IsPermanent reports whether err must be surfaced immediately without any
// retry.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	var delegationErr *DelegationFailure
	var validationErr *ValidationError
	var exhausted *EndpointVariantExhausted
	return errors.As(err, &authErr) ||
		errors.As(err, &delegationErr) ||
		errors.As(err, &validationErr) ||
		errors.As(err, &exhausted)
}
