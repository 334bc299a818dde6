package auth

import "errors"

// Rejection reasons. Authenticate reports them through Decision.Reason; callers
// that need a typed check can use Decision.Err.
var (
	ErrAnonymous          = errors.New("request carries no credentials")
	ErrMalformedHeader    = errors.New("malformed Authorization header")
	ErrAccountMismatch    = errors.New("authorization account does not match")
	ErrMissingDate        = errors.New("request date missing or unparseable")
	ErrRequestTooOld      = errors.New("request date outside allowed skew")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrResourceMismatch   = errors.New("signed resource does not match request target")
	ErrPolicyNotFound     = errors.New("stored access policy not found")
	ErrPolicyConflict     = errors.New("stored access policy conflicts with inline fields")
	ErrMissingExpiry      = errors.New("signed expiry missing")
	ErrMissingPermissions = errors.New("signed permissions missing")
	ErrNotYetValid        = errors.New("signature not yet valid")
	ErrExpired            = errors.New("signature expired")
	ErrProtocolNotAllowed = errors.New("request protocol not allowed by signature")
	ErrInvalidIPRange     = errors.New("signed IP range malformed")
	ErrPermissionDenied   = errors.New("signature does not grant the required permission")
	ErrInvalidTime        = errors.New("signed time malformed")
)
