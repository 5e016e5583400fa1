package authcore

import (
	"context"
	"time"

	"github.com/guardpost/authcore/permission"
)

// OrgType classifies an organization's tenancy class. The two classes are
// mutually exclusive and at most one provider organization exists
// system-wide.
type OrgType string

const (
	// OrgCustomer is a managed customer tenant.
	OrgCustomer OrgType = "customer"
	// OrgProvider is the security service provider itself.
	OrgProvider OrgType = "provider"
)

// OrgStatus is the lifecycle state of an organization.
type OrgStatus string

const (
	OrgActive    OrgStatus = "active"
	OrgSuspended OrgStatus = "suspended"
	OrgDeleted   OrgStatus = "deleted"
)

// Organization owns users and, for customers, receives technician grants.
type Organization struct {
	ID        string
	Name      string
	Type      OrgType
	Status    OrgStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Role is a named role within an organization. Customer and provider role
// sets are disjoint; a user's role must be valid for its organization's type
// at creation and update time.
type Role string

const (
	// Customer-side roles.
	RoleCustomerAdmin   Role = "customer_admin"
	RoleCustomerManager Role = "customer_manager"
	RoleCustomerViewer  Role = "customer_viewer"

	// Provider-side roles.
	RoleProviderAdmin Role = "provider_admin"
	RoleTechnician    Role = "technician"
	RoleSOCAnalyst    Role = "soc_analyst"
)

var customerRoles = map[Role]bool{
	RoleCustomerAdmin:   true,
	RoleCustomerManager: true,
	RoleCustomerViewer:  true,
}

var providerRoles = map[Role]bool{
	RoleProviderAdmin: true,
	RoleTechnician:    true,
	RoleSOCAnalyst:    true,
}

// ValidFor reports whether the role belongs to the role set of the given
// organization type.
func (r Role) ValidFor(t OrgType) bool {
	switch t {
	case OrgCustomer:
		return customerRoles[r]
	case OrgProvider:
		return providerRoles[r]
	default:
		return false
	}
}

// UserStatus is the administrative lifecycle state of a user account.
// Time-boxed lockout is tracked separately through LockedUntil.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserDeleted   UserStatus = "deleted"
)

// MFAStatus is the per-user multi-factor enrollment state machine:
// disabled → setup_pending → enabled.
type MFAStatus string

const (
	MFADisabled     MFAStatus = "disabled"
	MFASetupPending MFAStatus = "setup_pending"
	MFAEnabled      MFAStatus = "enabled"
)

// MFAState carries a user's multi-factor enrollment: the TOTP secret (present
// while pending or enabled) and the last accepted HOTP counter used for
// replay protection.
type MFAState struct {
	Status          MFAStatus
	Secret          []byte
	LastUsedCounter int64
}

// Enabled reports whether time-based verification is active for the user.
func (m MFAState) Enabled() bool { return m.Status == MFAEnabled }

// User is an account owned by exactly one organization.
type User struct {
	ID           string
	OrgID        string
	Email        string
	Name         string
	Role         Role
	Status       UserStatus
	PasswordHash string

	MFA MFAState

	// FailedLoginAttempts resets to zero on any successful authentication;
	// crossing the lockout threshold sets LockedUntil, independent of Status.
	FailedLoginAttempts int
	LockedUntil         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the account is inside a lockout window at now.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// BackupCodeRecord stores the SHA-256 hash of a single-use backup code.
// The plaintext is never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// Session is a refresh-token-backed login session. The access token is a
// short-lived JWT validated without touching the session record; the session
// record is the source of truth for refresh rotation and revocation.
type Session struct {
	ID     string
	UserID string
	OrgID  string
	Role   Role

	// RefreshHash is the SHA-256 of the currently valid refresh secret.
	// Rotation replaces it atomically; a presented secret whose hash does not
	// match is a replay.
	RefreshHash [32]byte

	Device    string
	IP        string
	UserAgent string
	Location  string

	Status       SessionStatus
	RevokeReason string

	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// AccessLevel is the ordered tier bounding what a technician grant may
// authorize: read_only < standard < elevated < emergency.
type AccessLevel uint8

const (
	LevelReadOnly AccessLevel = iota
	LevelStandard
	LevelElevated
	LevelEmergency
)

// String returns the wire name of the level.
func (l AccessLevel) String() string {
	switch l {
	case LevelReadOnly:
		return "read_only"
	case LevelStandard:
		return "standard"
	case LevelElevated:
		return "elevated"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseAccessLevel converts a wire name back to an [AccessLevel].
func ParseAccessLevel(s string) (AccessLevel, bool) {
	switch s {
	case "read_only":
		return LevelReadOnly, true
	case "standard":
		return LevelStandard, true
	case "elevated":
		return LevelElevated, true
	case "emergency":
		return LevelEmergency, true
	default:
		return 0, false
	}
}

// GrantStatus is the lifecycle state of an access grant.
type GrantStatus string

const (
	GrantActive      GrantStatus = "active"
	GrantSuspended   GrantStatus = "suspended"
	GrantRevoked     GrantStatus = "revoked"
	GrantExpired     GrantStatus = "expired"
	GrantTransferred GrantStatus = "transferred"
)

// AccessGrant authorizes one technician to act against one customer
// organization. At most one active grant exists per (technician, customer)
// pair at any time.
type AccessGrant struct {
	ID            string
	TechnicianID  string
	CustomerOrgID string

	Level        AccessLevel
	Permissions  permission.Set
	Restrictions Restrictions

	// ExpiresAt nil means no natural expiry. A grant past its expiry is
	// treated as inactive at check time even before the sweep runs.
	ExpiresAt *time.Time

	GrantedBy string

	// ApprovedBy and Justification are required for emergency-level grants;
	// the approver must be distinct from the requester.
	ApprovedBy    string
	Justification string

	Status       GrantStatus
	RevokeReason string

	// TransferredFrom references the grant this one replaced during handoff.
	TransferredFrom string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmergencyStatus is the lifecycle state of an emergency access request.
type EmergencyStatus string

const (
	EmergencyPending   EmergencyStatus = "pending"
	EmergencyApproved  EmergencyStatus = "approved"
	EmergencyRejected  EmergencyStatus = "rejected"
	EmergencyExpired   EmergencyStatus = "expired"
	EmergencyCancelled EmergencyStatus = "cancelled"
)

// EmergencyAccessRequest proposes an elevated or emergency grant. Approval
// materializes an [AccessGrant]; an unaddressed request auto-expires after a
// fixed window.
type EmergencyAccessRequest struct {
	ID            string
	TechnicianID  string
	CustomerOrgID string
	Level         AccessLevel
	Justification string

	Status    EmergencyStatus
	DecidedBy string
	DecidedAt *time.Time

	// GrantID is set when approval materializes a grant.
	GrantID string

	RequestedAt time.Time
	ExpiresAt   time.Time
}

// RiskLevel is the coarse ordinal classification of a login attempt's
// trustworthiness.
type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the wire name of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RiskFactor is one contributing signal in a risk assessment.
type RiskFactor struct {
	Signal string
	Level  RiskLevel
	Detail string
}

// RiskAssessment is the deterministic output of the risk engine for one
// login attempt.
type RiskAssessment struct {
	Level   RiskLevel
	Factors []RiskFactor
}

// AuditLogEntry is an immutable record of one security-relevant decision.
// Entries are append-only; only the retention-cleanup operation may remove
// them, and that removal is itself audited.
type AuditLogEntry struct {
	ID           string
	ActorID      string
	OrgID        string
	Action       string
	ResourceType string
	ResourceID   string
	Risk         RiskLevel

	// Compliance flags entries retrieved by the compliance-reporting surface:
	// grant lifecycle, revocations, MFA changes, emergency access, login
	// failures above medium risk.
	Compliance bool

	Timestamp time.Time
	Details   map[string]string
}

// LoginAttempt is an immutable pre-authentication record keyed by email, not
// user ID, so it keeps working for unknown emails and resists enumeration.
type LoginAttempt struct {
	ID            string
	Email         string
	IP            string
	Success       bool
	FailureReason string

	Country string
	City    string
	Lat     float64
	Lon     float64

	Timestamp time.Time
}

// GeoInfo is the result of an IP geolocation lookup.
type GeoInfo struct {
	Country string
	City    string
	Lat     float64
	Lon     float64
}

// GeoLookup resolves an IP address to a location. Implementations must be
// safe for concurrent use. Absence or failure degrades to "unknown", never
// to an authentication failure.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (*GeoInfo, error)
}

// Reputation is the verdict of an IP reputation lookup.
type Reputation string

const (
	ReputationNeutral    Reputation = "neutral"
	ReputationSuspicious Reputation = "suspicious"
	ReputationMalicious  Reputation = "malicious"
)

// ReputationLookup resolves an IP address to a threat verdict. Absence or
// failure degrades to [ReputationNeutral], never to "trusted".
type ReputationLookup interface {
	Reputation(ctx context.Context, ip string) (Reputation, error)
}

// NotificationKind selects an outbound notification template.
type NotificationKind string

const (
	NotifySecurityAlert NotificationKind = "security_alert"
	NotifyPasswordReset NotificationKind = "password_reset"
	NotifyInvite        NotificationKind = "invite"
)

// Notification is one outbound message. Delivery mechanics are external.
type Notification struct {
	Kind     NotificationKind
	UserID   string
	Email    string
	Subject  string
	Metadata map[string]string
}

// Notifier sends outbound notifications best-effort. Failures must never
// block or fail an authentication flow.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoOpNotifier discards all notifications.
type NoOpNotifier struct{}

// Notify implements [Notifier].
func (NoOpNotifier) Notify(context.Context, Notification) error { return nil }

// LoginResult is returned by [Engine.Login] and [Engine.ConfirmLoginMFA].
// When MFARequired is set the caller must complete the challenge before
// tokens are issued.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	Session      *Session

	MFARequired  bool
	MFAChallenge string

	Risk RiskAssessment
}

// TokenPair is returned by [Engine.Refresh].
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult is the outcome of access-token validation.
type AuthResult struct {
	UserID    string
	OrgID     string
	Role      Role
	SessionID string
}

// MFASetup holds the provisioning material returned by [Engine.BeginMFASetup].
// BackupCodes are shown exactly once; only their hashes are stored.
type MFASetup struct {
	SecretBase32 string
	ProvisionURI string
	BackupCodes  []string
}

// AuthorizationContext is the explicit result of a grant check, passed to
// downstream handlers instead of mutating a shared request object.
type AuthorizationContext struct {
	TechnicianID  string
	CustomerOrgID string
	GrantID       string
	Level         AccessLevel
	Permission    string
	Allowed       bool

	// DenyReason is an internal code for the audit trail. It is never
	// surfaced to the caller beyond the boolean outcome, so restriction
	// details do not leak.
	DenyReason string

	CheckedAt time.Time
}

// Err returns nil when the check allowed the operation and [ErrAccessDenied]
// otherwise, for callers that propagate the outcome as an error. The deny
// reason is deliberately not included.
func (a *AuthorizationContext) Err() error {
	if a != nil && a.Allowed {
		return nil
	}
	return ErrAccessDenied
}
