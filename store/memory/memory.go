// Package memory is a mutex-guarded in-process implementation of
// authcore.Store. It backs the test suites and small single-node
// deployments; everything vanishes at process exit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	authcore "github.com/guardpost/authcore"
)

var _ authcore.Store = (*Store)(nil)

// Store implements authcore.Store. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	orgs        map[string]*authcore.Organization
	users       map[string]*authcore.User
	usersByMail map[string]string
	backupCodes map[string][]authcore.BackupCodeRecord
	sessions    map[string]*authcore.Session
	grants      map[string]*authcore.AccessGrant
	emergencies map[string]*authcore.EmergencyAccessRequest
	audit       []*authcore.AuditLogEntry
	attempts    []*authcore.LoginAttempt
}

func New() *Store {
	return &Store{
		orgs:        make(map[string]*authcore.Organization),
		users:       make(map[string]*authcore.User),
		usersByMail: make(map[string]string),
		backupCodes: make(map[string][]authcore.BackupCodeRecord),
		sessions:    make(map[string]*authcore.Session),
		grants:      make(map[string]*authcore.AccessGrant),
		emergencies: make(map[string]*authcore.EmergencyAccessRequest),
	}
}

// --- organizations ---

func (s *Store) CreateOrganization(_ context.Context, org *authcore.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.Type == authcore.OrgProvider {
		for _, existing := range s.orgs {
			if existing.Type == authcore.OrgProvider && existing.Status != authcore.OrgDeleted {
				return authcore.ErrProviderExists
			}
		}
	}
	s.orgs[org.ID] = cloneOrg(org)
	return nil
}

func (s *Store) GetOrganization(_ context.Context, id string) (*authcore.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, authcore.ErrOrgNotFound
	}
	return cloneOrg(org), nil
}

func (s *Store) UpdateOrganizationStatus(_ context.Context, id string, status authcore.OrgStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return authcore.ErrOrgNotFound
	}
	org.Status = status
	org.UpdatedAt = time.Now()
	return nil
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, user *authcore.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(user.Email)
	if _, taken := s.usersByMail[key]; taken {
		return authcore.ErrEmailTaken
	}
	s.users[user.ID] = cloneUser(user)
	s.usersByMail[key] = user.ID
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*authcore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, authcore.ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*authcore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByMail[strings.ToLower(email)]
	if !ok {
		return nil, authcore.ErrUserNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *Store) UpdateUser(_ context.Context, user *authcore.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return authcore.ErrUserNotFound
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateLoginState(_ context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	user.FailedLoginAttempts = failedAttempts
	user.LockedUntil = lockedUntil
	return nil
}

func (s *Store) IncrementLoginFailures(_ context.Context, userID string, threshold int, lockUntil time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return 0, false, authcore.ErrUserNotFound
	}
	user.FailedLoginAttempts++
	locked := threshold > 0 && user.FailedLoginAttempts >= threshold
	if locked {
		until := lockUntil
		user.LockedUntil = &until
	}
	return user.FailedLoginAttempts, locked, nil
}

func (s *Store) UpdateMFAState(_ context.Context, userID string, state authcore.MFAState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	user.MFA = authcore.MFAState{
		Status:          state.Status,
		Secret:          append([]byte(nil), state.Secret...),
		LastUsedCounter: state.LastUsedCounter,
	}
	user.UpdatedAt = time.Now()
	return nil
}

// --- backup codes ---

func (s *Store) ReplaceBackupCodes(_ context.Context, userID string, codes []authcore.BackupCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return authcore.ErrUserNotFound
	}
	s.backupCodes[userID] = append([]authcore.BackupCodeRecord(nil), codes...)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backupCodes[userID]
	for i, rec := range codes {
		if rec.Hash == hash {
			s.backupCodes[userID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// --- sessions ---

func (s *Store) CreateSession(_ context.Context, sess *authcore.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *Store) CreateSessionCapped(_ context.Context, sess *authcore.Session, maxActive int, reason string) ([]*authcore.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []*authcore.Session
	if maxActive > 0 {
		var active []*authcore.Session
		for _, existing := range s.sessions {
			if existing.UserID == sess.UserID && existing.Status == authcore.SessionActive {
				active = append(active, existing)
			}
		}
		if len(active) >= maxActive {
			sort.Slice(active, func(i, j int) bool {
				return active[i].LastActivityAt.Before(active[j].LastActivityAt)
			})
			for _, victim := range active[:len(active)-maxActive+1] {
				victim.Status = authcore.SessionRevoked
				victim.RevokeReason = reason
				evicted = append(evicted, cloneSession(victim))
			}
		}
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return evicted, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*authcore.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, authcore.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) ActiveSessionsForUser(_ context.Context, userID string) ([]*authcore.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*authcore.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == authcore.SessionActive {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return authcore.ErrSessionNotFound
	}
	sess.LastActivityAt = at
	return nil
}

func (s *Store) RotateSessionRefresh(_ context.Context, id string, oldHash, newHash [32]byte, lastActivity time.Time) (*authcore.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, authcore.ErrSessionNotFound
	}
	if sess.Status != authcore.SessionActive {
		return nil, authcore.ErrSessionNotActive
	}
	if lastActivity.After(sess.ExpiresAt) {
		sess.Status = authcore.SessionExpired
		return nil, authcore.ErrSessionNotActive
	}
	if sess.RefreshHash != oldHash {
		return nil, authcore.ErrRefreshHashMismatch
	}
	sess.RefreshHash = newHash
	sess.LastActivityAt = lastActivity
	return cloneSession(sess), nil
}

func (s *Store) RevokeSession(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return authcore.ErrSessionNotFound
	}
	if sess.Status != authcore.SessionActive {
		return authcore.ErrSessionNotActive
	}
	sess.Status = authcore.SessionRevoked
	sess.RevokeReason = reason
	return nil
}

func (s *Store) RevokeUserSessions(_ context.Context, userID, exceptSessionID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.Status != authcore.SessionActive || sess.ID == exceptSessionID {
			continue
		}
		sess.Status = authcore.SessionRevoked
		sess.RevokeReason = reason
		n++
	}
	return n, nil
}

func (s *Store) ExpireSessionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Status == authcore.SessionActive && sess.ExpiresAt.Before(cutoff) {
			sess.Status = authcore.SessionExpired
			n++
		}
	}
	return n, nil
}

// --- grants ---

func (s *Store) CreateGrant(_ context.Context, grant *authcore.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.TechnicianID == grant.TechnicianID &&
			g.CustomerOrgID == grant.CustomerOrgID &&
			g.Status == authcore.GrantActive {
			return authcore.ErrDuplicateActiveGrant
		}
	}
	s.grants[grant.ID] = cloneGrant(grant)
	return nil
}

func (s *Store) GetGrant(_ context.Context, id string) (*authcore.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return nil, authcore.ErrGrantNotFound
	}
	return cloneGrant(grant), nil
}

func (s *Store) ActiveGrant(_ context.Context, technicianID, customerOrgID string) (*authcore.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.TechnicianID == technicianID &&
			g.CustomerOrgID == customerOrgID &&
			g.Status == authcore.GrantActive {
			return cloneGrant(g), nil
		}
	}
	return nil, authcore.ErrGrantNotFound
}

func (s *Store) UpdateGrant(_ context.Context, grant *authcore.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[grant.ID]; !ok {
		return authcore.ErrGrantNotFound
	}
	s.grants[grant.ID] = cloneGrant(grant)
	return nil
}

func (s *Store) TransitionGrantStatus(_ context.Context, id string, from, to authcore.GrantStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return authcore.ErrGrantNotFound
	}
	if grant.Status != from {
		return authcore.ErrGrantStatusConflict
	}
	grant.Status = to
	if reason != "" {
		grant.RevokeReason = reason
	}
	grant.UpdatedAt = time.Now()
	return nil
}

func (s *Store) TransferGrant(_ context.Context, oldID string, next *authcore.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.grants[oldID]
	if !ok {
		return authcore.ErrGrantNotFound
	}
	if old.Status != authcore.GrantActive {
		return authcore.ErrGrantStatusConflict
	}
	for _, g := range s.grants {
		if g.TechnicianID == next.TechnicianID &&
			g.CustomerOrgID == next.CustomerOrgID &&
			g.Status == authcore.GrantActive {
			return authcore.ErrDuplicateActiveGrant
		}
	}
	old.Status = authcore.GrantTransferred
	old.UpdatedAt = time.Now()
	s.grants[next.ID] = cloneGrant(next)
	return nil
}

func (s *Store) ListGrantsForTechnician(_ context.Context, technicianID string) ([]*authcore.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*authcore.AccessGrant
	for _, g := range s.grants {
		if g.TechnicianID == technicianID {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListGrantsForCustomer(_ context.Context, customerOrgID string) ([]*authcore.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*authcore.AccessGrant
	for _, g := range s.grants {
		if g.CustomerOrgID == customerOrgID {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ExpireGrantsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.grants {
		if g.Status == authcore.GrantActive && g.ExpiresAt != nil && g.ExpiresAt.Before(cutoff) {
			g.Status = authcore.GrantExpired
			g.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// --- emergency requests ---

func (s *Store) CreateEmergencyRequest(_ context.Context, req *authcore.EmergencyAccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergencies[req.ID] = cloneEmergency(req)
	return nil
}

func (s *Store) GetEmergencyRequest(_ context.Context, id string) (*authcore.EmergencyAccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.emergencies[id]
	if !ok {
		return nil, authcore.ErrEmergencyNotFound
	}
	return cloneEmergency(req), nil
}

func (s *Store) TransitionEmergencyRequest(_ context.Context, id string, from, to authcore.EmergencyStatus, decidedBy, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.emergencies[id]
	if !ok {
		return authcore.ErrEmergencyNotFound
	}
	if req.Status != from {
		return authcore.ErrEmergencyStatusConflict
	}
	req.Status = to
	if decidedBy != "" {
		now := time.Now()
		req.DecidedBy = decidedBy
		req.DecidedAt = &now
	}
	if grantID != "" {
		req.GrantID = grantID
	}
	return nil
}

func (s *Store) ExpireEmergencyRequestsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.emergencies {
		if req.Status == authcore.EmergencyPending && req.ExpiresAt.Before(cutoff) {
			req.Status = authcore.EmergencyExpired
			n++
		}
	}
	return n, nil
}

// --- audit ---

func (s *Store) AppendAuditEntry(_ context.Context, entry *authcore.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, cloneAudit(entry))
	return nil
}

func (s *Store) QueryAuditEntries(_ context.Context, q authcore.AuditQuery) ([]*authcore.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*authcore.AuditLogEntry
	for _, entry := range s.audit {
		if q.OrgID != "" && entry.OrgID != q.OrgID {
			continue
		}
		if q.ActorID != "" && entry.ActorID != q.ActorID {
			continue
		}
		if q.Action != "" && entry.Action != q.Action {
			continue
		}
		if q.ComplianceOnly && !entry.Compliance {
			continue
		}
		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && entry.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, cloneAudit(entry))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PruneAuditBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	n := 0
	for _, entry := range s.audit {
		if entry.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, entry)
	}
	s.audit = kept
	return n, nil
}

// --- login attempts ---

func (s *Store) RecordLoginAttempt(_ context.Context, attempt *authcore.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *attempt
	s.attempts = append(s.attempts, &copied)
	return nil
}

func (s *Store) LastSuccessfulLogin(_ context.Context, email string) (*authcore.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].Email == email && s.attempts[i].Success {
			copied := *s.attempts[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) HasSuccessfulLoginFromIP(_ context.Context, email, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.Email == email && a.IP == ip && a.Success {
			return true, nil
		}
	}
	return false, nil
}

// --- clones ---

func cloneOrg(o *authcore.Organization) *authcore.Organization {
	c := *o
	return &c
}

func cloneUser(u *authcore.User) *authcore.User {
	c := *u
	c.MFA.Secret = append([]byte(nil), u.MFA.Secret...)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

func cloneSession(s *authcore.Session) *authcore.Session {
	c := *s
	return &c
}

func cloneGrant(g *authcore.AccessGrant) *authcore.AccessGrant {
	c := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func cloneEmergency(r *authcore.EmergencyAccessRequest) *authcore.EmergencyAccessRequest {
	c := *r
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

func cloneAudit(e *authcore.AuditLogEntry) *authcore.AuditLogEntry {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
