package authcore

import (
	"errors"
	"fmt"
	"strings"
)

// Authentication failures. These are reported to callers as uniform,
// non-distinguishing errors; the precise reason goes to the audit trail only.
var (
	// ErrInvalidCredentials covers unknown email, wrong password, and
	// locked/suspended accounts alike, to resist enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized is returned for expired, invalid, or revoked tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrLoginRefused is returned when the risk engine blocks a login
	// outright, independent of password correctness.
	ErrLoginRefused = errors.New("login refused")
	// ErrLoginRateLimited is returned when the pre-auth throttle trips.
	ErrLoginRateLimited = errors.New("login rate limited")
)

// MFA flow errors.
var (
	ErrMFANotEnabled       = errors.New("mfa not enabled")
	ErrMFAAlreadyEnabled   = errors.New("mfa already enabled")
	ErrMFASetupNotPending  = errors.New("mfa setup not pending")
	ErrMFACodeInvalid      = errors.New("invalid mfa code")
	ErrMFARateLimited      = errors.New("mfa attempts rate limited")
	ErrMFAChallengeInvalid = errors.New("mfa challenge invalid")
	ErrMFAChallengeExpired = errors.New("mfa challenge expired")
	ErrBackupCodeInvalid   = errors.New("invalid backup code")
)

// Session and token errors.
var (
	ErrRefreshInvalid      = errors.New("invalid refresh token")
	ErrRefreshReuse        = errors.New("refresh token reuse detected")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotActive    = errors.New("session not active")
	ErrRefreshHashMismatch = errors.New("refresh hash mismatch")
)

// Authorization failures. Distinct from authentication failures: the
// caller's identity is already established, the grant denies the action.
var (
	ErrAccessDenied = errors.New("access denied")
)

// Grant and emergency-access lifecycle errors.
var (
	ErrDuplicateActiveGrant    = errors.New("active grant already exists for technician and customer")
	ErrGrantNotFound           = errors.New("grant not found")
	ErrGrantStatusConflict     = errors.New("grant status conflict")
	ErrEmergencyApproverSelf   = errors.New("emergency approver must differ from requester")
	ErrEmergencyJustification  = errors.New("emergency grant requires justification")
	ErrEmergencyStatusConflict = errors.New("emergency request status conflict")
	ErrEmergencyNotFound       = errors.New("emergency request not found")
	ErrGrantorPrivilege        = errors.New("grantor privilege insufficient")
)

// Account management errors.
var (
	ErrOrgNotFound       = errors.New("organization not found")
	ErrOrgNotActive      = errors.New("organization not active")
	ErrProviderExists    = errors.New("provider organization already exists")
	ErrUserNotFound      = errors.New("user not found")
	ErrEmailTaken        = errors.New("email already registered")
	ErrRoleInvalidForOrg = errors.New("role not valid for organization type")
	ErrPasswordReuse     = errors.New("new password must differ from current password")
)

// Dependency and defect classes.
var (
	// ErrStoreUnavailable wraps durable-store failures. Mutating security
	// transitions fail closed when this occurs.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCacheUnavailable wraps ephemeral-cache failures.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrInvariantViolation marks detected defects (e.g. a duplicate active
	// grant observed at read time). The operation aborts.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrEngineNotReady is returned when a dependency was never wired.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// FieldError is one field-level validation problem, safe to expose.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError reports malformed input with field-level detail.
type ValidationError struct {
	Fields []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is a [ValidationError].
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// domainSentinels are the errors store implementations return as part of
// their contract. They pass through wrapping untouched; anything else from a
// store is a dependency failure.
var domainSentinels = []error{
	ErrOrgNotFound,
	ErrOrgNotActive,
	ErrProviderExists,
	ErrUserNotFound,
	ErrEmailTaken,
	ErrSessionNotFound,
	ErrSessionNotActive,
	ErrRefreshHashMismatch,
	ErrDuplicateActiveGrant,
	ErrGrantNotFound,
	ErrGrantStatusConflict,
	ErrEmergencyNotFound,
	ErrEmergencyStatusConflict,
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range domainSentinels {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func wrapCacheErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}
