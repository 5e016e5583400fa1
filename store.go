package authcore

import (
	"context"
	"time"
)

// AuditQuery filters audit log retrieval. Zero-value fields match all.
type AuditQuery struct {
	OrgID          string
	ActorID        string
	Action         string
	ComplianceOnly bool
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Store is the credential store adapter: durable read/write of
// organizations, users, sessions, grants, emergency requests, audit entries,
// and login attempts. The engine never caches what the store returns beyond
// a single request.
//
// Methods documented as conditional must be atomic compare-and-swap
// operations: the mutation applies only if the precondition still holds, and
// a failed precondition is reported through the documented sentinel error so
// exactly one of two concurrent callers can win.
type Store interface {
	// Organizations.
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	UpdateOrganizationStatus(ctx context.Context, id string, status OrgStatus) error

	// Users.
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	// UpdateLoginState persists the failure counter and lockout timestamp.
	UpdateLoginState(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error
	// IncrementLoginFailures advances the failure counter by one as a single
	// store-side operation, locking the account until lockUntil once the new
	// count reaches threshold. Returns the new count and whether the account
	// is now locked. Concurrent callers must each count.
	IncrementLoginFailures(ctx context.Context, userID string, threshold int, lockUntil time.Time) (int, bool, error)
	UpdateMFAState(ctx context.Context, userID string, state MFAState) error

	// Backup codes. ConsumeBackupCode must atomically remove the matching
	// record and report whether it existed, so one code is consumable exactly
	// once under concurrent callers.
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error)

	// Sessions.
	CreateSession(ctx context.Context, sess *Session) error
	// CreateSessionCapped creates sess and enforces the per-user ceiling in
	// one atomic step: when the user already holds maxActive or more active
	// sessions, enough least-recently-active ones are revoked with reason to
	// bring the post-create count down to maxActive. The revoked sessions are
	// returned. maxActive <= 0 means no ceiling.
	CreateSessionCapped(ctx context.Context, sess *Session, maxActive int, reason string) ([]*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ActiveSessionsForUser(ctx context.Context, userID string) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// RotateSessionRefresh is conditional on oldHash matching the stored
	// refresh hash; mismatch returns ErrRefreshHashMismatch and leaves the
	// session untouched.
	RotateSessionRefresh(ctx context.Context, id string, oldHash, newHash [32]byte, lastActivity time.Time) (*Session, error)
	// RevokeSession is conditional on the session being active; revoking a
	// non-active session is a no-op reported via ErrSessionNotActive.
	RevokeSession(ctx context.Context, id, reason string) error
	// RevokeUserSessions revokes every active session of the user except the
	// given one (empty = revoke all) and returns the number revoked.
	RevokeUserSessions(ctx context.Context, userID, exceptSessionID, reason string) (int, error)
	// ExpireSessionsBefore transitions active sessions past their expiry.
	ExpireSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Access grants. CreateGrant must fail with ErrDuplicateActiveGrant when
	// an active grant already exists for the (technician, customer) pair.
	CreateGrant(ctx context.Context, grant *AccessGrant) error
	GetGrant(ctx context.Context, id string) (*AccessGrant, error)
	ActiveGrant(ctx context.Context, technicianID, customerOrgID string) (*AccessGrant, error)
	UpdateGrant(ctx context.Context, grant *AccessGrant) error
	// TransitionGrantStatus is conditional on the current status matching
	// from; mismatch returns ErrGrantStatusConflict.
	TransitionGrantStatus(ctx context.Context, id string, from, to GrantStatus, reason string) error
	// TransferGrant marks old transferred and creates next as a single atomic
	// unit: a reader never observes zero or two active grants for the pair.
	TransferGrant(ctx context.Context, oldID string, next *AccessGrant) error
	ListGrantsForTechnician(ctx context.Context, technicianID string) ([]*AccessGrant, error)
	ListGrantsForCustomer(ctx context.Context, customerOrgID string) ([]*AccessGrant, error)
	// ExpireGrantsBefore transitions active grants whose expiry has passed
	// and returns the count mutated. Zero matches is not an error.
	ExpireGrantsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Emergency access requests.
	CreateEmergencyRequest(ctx context.Context, req *EmergencyAccessRequest) error
	GetEmergencyRequest(ctx context.Context, id string) (*EmergencyAccessRequest, error)
	// TransitionEmergencyRequest is conditional on the current status
	// matching from; mismatch returns ErrEmergencyStatusConflict.
	TransitionEmergencyRequest(ctx context.Context, id string, from, to EmergencyStatus, decidedBy string, grantID string) error
	ExpireEmergencyRequestsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Audit log. Append-only; PruneAuditBefore is the single sanctioned
	// deletion path and is itself audited by the caller.
	AppendAuditEntry(ctx context.Context, entry *AuditLogEntry) error
	QueryAuditEntries(ctx context.Context, q AuditQuery) ([]*AuditLogEntry, error)
	PruneAuditBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Login attempts, keyed by email (never joined to users).
	RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
	LastSuccessfulLogin(ctx context.Context, email string) (*LoginAttempt, error)
	// HasSuccessfulLoginFromIP reports whether the email has ever logged in
	// successfully from the IP.
	HasSuccessfulLoginFromIP(ctx context.Context, email, ip string) (bool, error)
}
