// Package postgres implements authcore.Store on PostgreSQL via pgx.
//
// Conditional mutations (refresh rotation, status transitions, grant
// transfer) are implemented as guarded UPDATEs or short transactions so the
// compare-and-swap contract of the Store interface holds under concurrent
// engines sharing one database.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	authcore "github.com/guardpost/authcore"
	"github.com/guardpost/authcore/permission"
)

//go:embed schema.sql
var schema string

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var _ authcore.Store = (*Store)(nil)

// Store implements authcore.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool from a DSN and pings it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- organizations ---

func (s *Store) CreateOrganization(ctx context.Context, org *authcore.Organization) error {
	sql, args, err := psql.Insert("organizations").
		Columns("id", "name", "type", "status", "created_at", "updated_at").
		Values(org.ID, org.Name, string(org.Type), string(org.Status), org.CreatedAt, org.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return authcore.ErrProviderExists
		}
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*authcore.Organization, error) {
	sql, args, err := psql.Select("id", "name", "type", "status", "created_at", "updated_at").
		From("organizations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var org authcore.Organization
	err = s.pool.QueryRow(ctx, sql, args...).
		Scan(&org.ID, &org.Name, &org.Type, &org.Status, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrOrgNotFound
		}
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

func (s *Store) UpdateOrganizationStatus(ctx context.Context, id string, status authcore.OrgStatus) error {
	sql, args, err := psql.Update("organizations").
		Set("status", string(status)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update organization status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrOrgNotFound
	}
	return nil
}

// --- users ---

const userColumns = "id, org_id, email, name, role, status, password_hash, " +
	"mfa_status, mfa_secret, mfa_last_counter, failed_login_attempts, locked_until, " +
	"created_at, updated_at"

func scanUser(row pgx.Row) (*authcore.User, error) {
	var u authcore.User
	err := row.Scan(
		&u.ID, &u.OrgID, &u.Email, &u.Name, &u.Role, &u.Status, &u.PasswordHash,
		&u.MFA.Status, &u.MFA.Secret, &u.MFA.LastUsedCounter,
		&u.FailedLoginAttempts, &u.LockedUntil,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *authcore.User) error {
	sql, args, err := psql.Insert("users").
		Columns("id", "org_id", "email", "name", "role", "status", "password_hash",
			"mfa_status", "mfa_secret", "mfa_last_counter",
			"failed_login_attempts", "locked_until", "created_at", "updated_at").
		Values(user.ID, user.OrgID, user.Email, user.Name, string(user.Role),
			string(user.Status), user.PasswordHash,
			string(user.MFA.Status), user.MFA.Secret, user.MFA.LastUsedCounter,
			user.FailedLoginAttempts, user.LockedUntil, user.CreatedAt, user.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return authcore.ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*authcore.User, error) {
	sql, args, err := psql.Select(userColumns).From("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	user, err := scanUser(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*authcore.User, error) {
	sql, args, err := psql.Select(userColumns).From("users").
		Where(sq.Expr("lower(email) = lower(?)", email)).
		ToSql()
	if err != nil {
		return nil, err
	}
	user, err := scanUser(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *authcore.User) error {
	sql, args, err := psql.Update("users").
		Set("name", user.Name).
		Set("role", string(user.Role)).
		Set("status", string(user.Status)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": user.ID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	sql, args, err := psql.Update("users").
		Set("password_hash", hash).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

func (s *Store) UpdateLoginState(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	sql, args, err := psql.Update("users").
		Set("failed_login_attempts", failedAttempts).
		Set("locked_until", lockedUntil).
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update login state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

func (s *Store) IncrementLoginFailures(ctx context.Context, userID string, threshold int, lockUntil time.Time) (int, bool, error) {
	sql, args, err := psql.Update("users").
		Set("failed_login_attempts", sq.Expr("failed_login_attempts + 1")).
		Set("locked_until", sq.Expr(
			"CASE WHEN ? > 0 AND failed_login_attempts + 1 >= ? THEN ? ELSE locked_until END",
			threshold, threshold, lockUntil,
		)).
		Where(sq.Eq{"id": userID}).
		Suffix("RETURNING failed_login_attempts").
		ToSql()
	if err != nil {
		return 0, false, err
	}
	var attempts int
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, authcore.ErrUserNotFound
		}
		return 0, false, fmt.Errorf("increment login failures: %w", err)
	}
	return attempts, threshold > 0 && attempts >= threshold, nil
}

func (s *Store) UpdateMFAState(ctx context.Context, userID string, state authcore.MFAState) error {
	sql, args, err := psql.Update("users").
		Set("mfa_status", string(state.Status)).
		Set("mfa_secret", state.Secret).
		Set("mfa_last_counter", state.LastUsedCounter).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update mfa state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

// --- backup codes ---

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []authcore.BackupCodeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	sql, args, err := psql.Delete("backup_codes").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}

	for _, rec := range codes {
		sql, args, err := psql.Insert("backup_codes").
			Columns("user_id", "hash").
			Values(userID, rec.Hash[:]).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	sql, args, err := psql.Delete("backup_codes").
		Where(sq.Eq{"user_id": userID, "hash": hash[:]}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- sessions ---

const sessionColumns = "id, user_id, org_id, role, refresh_hash, device, ip, " +
	"user_agent, location, status, revoke_reason, created_at, expires_at, last_activity_at"

func scanSession(row pgx.Row) (*authcore.Session, error) {
	var (
		sess authcore.Session
		hash []byte
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.OrgID, &sess.Role, &hash,
		&sess.Device, &sess.IP, &sess.UserAgent, &sess.Location,
		&sess.Status, &sess.RevokeReason,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	copy(sess.RefreshHash[:], hash)
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *authcore.Session) error {
	sql, args, err := psql.Insert("sessions").
		Columns("id", "user_id", "org_id", "role", "refresh_hash", "device", "ip",
			"user_agent", "location", "status", "revoke_reason",
			"created_at", "expires_at", "last_activity_at").
		Values(sess.ID, sess.UserID, sess.OrgID, string(sess.Role), sess.RefreshHash[:],
			sess.Device, sess.IP, sess.UserAgent, sess.Location,
			string(sess.Status), sess.RevokeReason,
			sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) CreateSessionCapped(ctx context.Context, sess *authcore.Session, maxActive int, reason string) ([]*authcore.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var evicted []*authcore.Session
	if maxActive > 0 {
		// Lock the user's active sessions so a concurrent capped create
		// serializes behind this one.
		sql, args, err := psql.Select(sessionColumns).From("sessions").
			Where(sq.Eq{"user_id": sess.UserID, "status": string(authcore.SessionActive)}).
			OrderBy("last_activity_at").
			Suffix("FOR UPDATE").
			ToSql()
		if err != nil {
			return nil, err
		}
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("lock sessions: %w", err)
		}
		var active []*authcore.Session
		for rows.Next() {
			existing, err := scanSession(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan session: %w", err)
			}
			active = append(active, existing)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		if len(active) >= maxActive {
			for _, victim := range active[:len(active)-maxActive+1] {
				sql, args, err := psql.Update("sessions").
					Set("status", string(authcore.SessionRevoked)).
					Set("revoke_reason", reason).
					Where(sq.Eq{"id": victim.ID}).
					ToSql()
				if err != nil {
					return nil, err
				}
				if _, err := tx.Exec(ctx, sql, args...); err != nil {
					return nil, fmt.Errorf("evict session: %w", err)
				}
				victim.Status = authcore.SessionRevoked
				victim.RevokeReason = reason
				evicted = append(evicted, victim)
			}
		}
	}

	sql, args, err := psql.Insert("sessions").
		Columns("id", "user_id", "org_id", "role", "refresh_hash", "device", "ip",
			"user_agent", "location", "status", "revoke_reason",
			"created_at", "expires_at", "last_activity_at").
		Values(sess.ID, sess.UserID, sess.OrgID, string(sess.Role), sess.RefreshHash[:],
			sess.Device, sess.IP, sess.UserAgent, sess.Location,
			string(sess.Status), sess.RevokeReason,
			sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return evicted, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*authcore.Session, error) {
	sql, args, err := psql.Select(sessionColumns).From("sessions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	sess, err := scanSession(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ActiveSessionsForUser(ctx context.Context, userID string) ([]*authcore.Session, error) {
	sql, args, err := psql.Select(sessionColumns).From("sessions").
		Where(sq.Eq{"user_id": userID, "status": string(authcore.SessionActive)}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*authcore.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	sql, args, err := psql.Update("sessions").
		Set("last_activity_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrSessionNotFound
	}
	return nil
}

func (s *Store) RotateSessionRefresh(ctx context.Context, id string, oldHash, newHash [32]byte, lastActivity time.Time) (*authcore.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	sql, args, err := psql.Select(sessionColumns).From("sessions").
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, err
	}
	sess, err := scanSession(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrSessionNotFound
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}

	if sess.Status != authcore.SessionActive {
		return nil, authcore.ErrSessionNotActive
	}
	if lastActivity.After(sess.ExpiresAt) {
		sql, args, err := psql.Update("sessions").
			Set("status", string(authcore.SessionExpired)).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return nil, fmt.Errorf("expire session: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return nil, authcore.ErrSessionNotActive
	}
	if sess.RefreshHash != oldHash {
		return nil, authcore.ErrRefreshHashMismatch
	}

	sql, args, err = psql.Update("sessions").
		Set("refresh_hash", newHash[:]).
		Set("last_activity_at", lastActivity).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return nil, fmt.Errorf("rotate refresh: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	sess.RefreshHash = newHash
	sess.LastActivityAt = lastActivity
	return sess, nil
}

func (s *Store) RevokeSession(ctx context.Context, id, reason string) error {
	sql, args, err := psql.Update("sessions").
		Set("status", string(authcore.SessionRevoked)).
		Set("revoke_reason", reason).
		Where(sq.Eq{"id": id, "status": string(authcore.SessionActive)}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// Distinguish missing from already-terminal.
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return authcore.ErrSessionNotActive
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID, exceptSessionID, reason string) (int, error) {
	builder := psql.Update("sessions").
		Set("status", string(authcore.SessionRevoked)).
		Set("revoke_reason", reason).
		Where(sq.Eq{"user_id": userID, "status": string(authcore.SessionActive)})
	if exceptSessionID != "" {
		builder = builder.Where(sq.NotEq{"id": exceptSessionID})
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ExpireSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	sql, args, err := psql.Update("sessions").
		Set("status", string(authcore.SessionExpired)).
		Where(sq.Eq{"status": string(authcore.SessionActive)}).
		Where(sq.Lt{"expires_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- grants ---

const grantColumns = "id, technician_id, customer_org_id, level, permissions, " +
	"restrictions, expires_at, granted_by, approved_by, justification, status, " +
	"revoke_reason, transferred_from, created_at, updated_at"

func scanGrant(row pgx.Row) (*authcore.AccessGrant, error) {
	var (
		g            authcore.AccessGrant
		level        string
		perms        int64
		restrictions []byte
	)
	err := row.Scan(
		&g.ID, &g.TechnicianID, &g.CustomerOrgID, &level, &perms,
		&restrictions, &g.ExpiresAt, &g.GrantedBy, &g.ApprovedBy, &g.Justification,
		&g.Status, &g.RevokeReason, &g.TransferredFrom, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, ok := authcore.ParseAccessLevel(level)
	if !ok {
		return nil, fmt.Errorf("unknown access level %q", level)
	}
	g.Level = parsed
	g.Permissions = permission.Set(uint64(perms))
	if len(restrictions) > 0 {
		if err := json.Unmarshal(restrictions, &g.Restrictions); err != nil {
			return nil, fmt.Errorf("decode restrictions: %w", err)
		}
	}
	return &g, nil
}

func grantValues(g *authcore.AccessGrant) ([]any, error) {
	var restrictions []byte
	if g.Restrictions.IP != nil || g.Restrictions.Time != nil {
		var err error
		restrictions, err = json.Marshal(g.Restrictions)
		if err != nil {
			return nil, fmt.Errorf("encode restrictions: %w", err)
		}
	}
	return []any{
		g.ID, g.TechnicianID, g.CustomerOrgID, g.Level.String(), int64(g.Permissions.Raw()),
		restrictions, g.ExpiresAt, g.GrantedBy, g.ApprovedBy, g.Justification,
		string(g.Status), g.RevokeReason, g.TransferredFrom, g.CreatedAt, g.UpdatedAt,
	}, nil
}

func (s *Store) CreateGrant(ctx context.Context, grant *authcore.AccessGrant) error {
	values, err := grantValues(grant)
	if err != nil {
		return err
	}
	sql, args, err := psql.Insert("access_grants").
		Columns(strings.Split(grantColumns, ", ")...).
		Values(values...).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return authcore.ErrDuplicateActiveGrant
		}
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, id string) (*authcore.AccessGrant, error) {
	sql, args, err := psql.Select(grantColumns).From("access_grants").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	grant, err := scanGrant(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrGrantNotFound
		}
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return grant, nil
}

func (s *Store) ActiveGrant(ctx context.Context, technicianID, customerOrgID string) (*authcore.AccessGrant, error) {
	sql, args, err := psql.Select(grantColumns).From("access_grants").
		Where(sq.Eq{
			"technician_id":   technicianID,
			"customer_org_id": customerOrgID,
			"status":          string(authcore.GrantActive),
		}).
		ToSql()
	if err != nil {
		return nil, err
	}
	grant, err := scanGrant(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrGrantNotFound
		}
		return nil, fmt.Errorf("get active grant: %w", err)
	}
	return grant, nil
}

func (s *Store) UpdateGrant(ctx context.Context, grant *authcore.AccessGrant) error {
	var restrictions []byte
	if grant.Restrictions.IP != nil || grant.Restrictions.Time != nil {
		var err error
		restrictions, err = json.Marshal(grant.Restrictions)
		if err != nil {
			return fmt.Errorf("encode restrictions: %w", err)
		}
	}
	sql, args, err := psql.Update("access_grants").
		Set("level", grant.Level.String()).
		Set("permissions", int64(grant.Permissions.Raw())).
		Set("restrictions", restrictions).
		Set("expires_at", grant.ExpiresAt).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": grant.ID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrGrantNotFound
	}
	return nil
}

func (s *Store) TransitionGrantStatus(ctx context.Context, id string, from, to authcore.GrantStatus, reason string) error {
	builder := psql.Update("access_grants").
		Set("status", string(to)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": id, "status": string(from)})
	if reason != "" {
		builder = builder.Set("revoke_reason", reason)
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("transition grant: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetGrant(ctx, id); err != nil {
		return err
	}
	return authcore.ErrGrantStatusConflict
}

func (s *Store) TransferGrant(ctx context.Context, oldID string, next *authcore.AccessGrant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	sql, args, err := psql.Update("access_grants").
		Set("status", string(authcore.GrantTransferred)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": oldID, "status": string(authcore.GrantActive)}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("close old grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetGrant(ctx, oldID); err != nil {
			return err
		}
		return authcore.ErrGrantStatusConflict
	}

	values, err := grantValues(next)
	if err != nil {
		return err
	}
	sql, args, err = psql.Insert("access_grants").
		Columns(strings.Split(grantColumns, ", ")...).
		Values(values...).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return authcore.ErrDuplicateActiveGrant
		}
		return fmt.Errorf("insert transferred grant: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) listGrants(ctx context.Context, where sq.Eq) ([]*authcore.AccessGrant, error) {
	sql, args, err := psql.Select(grantColumns).From("access_grants").
		Where(where).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []*authcore.AccessGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

func (s *Store) ListGrantsForTechnician(ctx context.Context, technicianID string) ([]*authcore.AccessGrant, error) {
	return s.listGrants(ctx, sq.Eq{"technician_id": technicianID})
}

func (s *Store) ListGrantsForCustomer(ctx context.Context, customerOrgID string) ([]*authcore.AccessGrant, error) {
	return s.listGrants(ctx, sq.Eq{"customer_org_id": customerOrgID})
}

func (s *Store) ExpireGrantsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	sql, args, err := psql.Update("access_grants").
		Set("status", string(authcore.GrantExpired)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"status": string(authcore.GrantActive)}).
		Where(sq.NotEq{"expires_at": nil}).
		Where(sq.Lt{"expires_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("expire grants: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- emergency requests ---

const emergencyColumns = "id, technician_id, customer_org_id, level, justification, " +
	"status, decided_by, decided_at, grant_id, requested_at, expires_at"

func scanEmergency(row pgx.Row) (*authcore.EmergencyAccessRequest, error) {
	var (
		req   authcore.EmergencyAccessRequest
		level string
	)
	err := row.Scan(
		&req.ID, &req.TechnicianID, &req.CustomerOrgID, &level, &req.Justification,
		&req.Status, &req.DecidedBy, &req.DecidedAt, &req.GrantID,
		&req.RequestedAt, &req.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, ok := authcore.ParseAccessLevel(level)
	if !ok {
		return nil, fmt.Errorf("unknown access level %q", level)
	}
	req.Level = parsed
	return &req, nil
}

func (s *Store) CreateEmergencyRequest(ctx context.Context, req *authcore.EmergencyAccessRequest) error {
	sql, args, err := psql.Insert("emergency_requests").
		Columns(strings.Split(emergencyColumns, ", ")...).
		Values(req.ID, req.TechnicianID, req.CustomerOrgID, req.Level.String(),
			req.Justification, string(req.Status), req.DecidedBy, req.DecidedAt,
			req.GrantID, req.RequestedAt, req.ExpiresAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert emergency request: %w", err)
	}
	return nil
}

func (s *Store) GetEmergencyRequest(ctx context.Context, id string) (*authcore.EmergencyAccessRequest, error) {
	sql, args, err := psql.Select(emergencyColumns).From("emergency_requests").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	req, err := scanEmergency(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrEmergencyNotFound
		}
		return nil, fmt.Errorf("get emergency request: %w", err)
	}
	return req, nil
}

func (s *Store) TransitionEmergencyRequest(ctx context.Context, id string, from, to authcore.EmergencyStatus, decidedBy, grantID string) error {
	builder := psql.Update("emergency_requests").
		Set("status", string(to)).
		Where(sq.Eq{"id": id, "status": string(from)})
	if decidedBy != "" {
		builder = builder.Set("decided_by", decidedBy).Set("decided_at", time.Now())
	}
	if grantID != "" {
		builder = builder.Set("grant_id", grantID)
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("transition emergency request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetEmergencyRequest(ctx, id); err != nil {
		return err
	}
	return authcore.ErrEmergencyStatusConflict
}

func (s *Store) ExpireEmergencyRequestsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	sql, args, err := psql.Update("emergency_requests").
		Set("status", string(authcore.EmergencyExpired)).
		Where(sq.Eq{"status": string(authcore.EmergencyPending)}).
		Where(sq.Lt{"expires_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("expire emergency requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- audit ---

func (s *Store) AppendAuditEntry(ctx context.Context, entry *authcore.AuditLogEntry) error {
	var details []byte
	if len(entry.Details) > 0 {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	sql, args, err := psql.Insert("audit_log").
		Columns("id", "actor_id", "org_id", "action", "resource_type", "resource_id",
			"risk", "compliance", "ts", "details").
		Values(entry.ID, entry.ActorID, entry.OrgID, entry.Action,
			entry.ResourceType, entry.ResourceID,
			int16(entry.Risk), entry.Compliance, entry.Timestamp, details).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAuditEntries(ctx context.Context, q authcore.AuditQuery) ([]*authcore.AuditLogEntry, error) {
	builder := psql.Select("id", "actor_id", "org_id", "action", "resource_type",
		"resource_id", "risk", "compliance", "ts", "details").
		From("audit_log").
		OrderBy("ts")
	if q.OrgID != "" {
		builder = builder.Where(sq.Eq{"org_id": q.OrgID})
	}
	if q.ActorID != "" {
		builder = builder.Where(sq.Eq{"actor_id": q.ActorID})
	}
	if q.Action != "" {
		builder = builder.Where(sq.Eq{"action": q.Action})
	}
	if q.ComplianceOnly {
		builder = builder.Where(sq.Eq{"compliance": true})
	}
	if !q.Since.IsZero() {
		builder = builder.Where(sq.GtOrEq{"ts": q.Since})
	}
	if !q.Until.IsZero() {
		builder = builder.Where(sq.LtOrEq{"ts": q.Until})
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*authcore.AuditLogEntry
	for rows.Next() {
		var (
			entry   authcore.AuditLogEntry
			risk    int16
			details []byte
		)
		err := rows.Scan(&entry.ID, &entry.ActorID, &entry.OrgID, &entry.Action,
			&entry.ResourceType, &entry.ResourceID, &risk, &entry.Compliance,
			&entry.Timestamp, &details)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Risk = authcore.RiskLevel(risk)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (s *Store) PruneAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	sql, args, err := psql.Delete("audit_log").Where(sq.Lt{"ts": cutoff}).ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- login attempts ---

func (s *Store) RecordLoginAttempt(ctx context.Context, attempt *authcore.LoginAttempt) error {
	sql, args, err := psql.Insert("login_attempts").
		Columns("id", "email", "ip", "success", "failure_reason",
			"country", "city", "lat", "lon", "ts").
		Values(attempt.ID, attempt.Email, attempt.IP, attempt.Success,
			attempt.FailureReason, attempt.Country, attempt.City,
			attempt.Lat, attempt.Lon, attempt.Timestamp).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (s *Store) LastSuccessfulLogin(ctx context.Context, email string) (*authcore.LoginAttempt, error) {
	sql, args, err := psql.Select("id", "email", "ip", "success", "failure_reason",
		"country", "city", "lat", "lon", "ts").
		From("login_attempts").
		Where(sq.Eq{"email": email, "success": true}).
		OrderBy("ts DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	var a authcore.LoginAttempt
	err = s.pool.QueryRow(ctx, sql, args...).
		Scan(&a.ID, &a.Email, &a.IP, &a.Success, &a.FailureReason,
			&a.Country, &a.City, &a.Lat, &a.Lon, &a.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last successful login: %w", err)
	}
	return &a, nil
}

func (s *Store) HasSuccessfulLoginFromIP(ctx context.Context, email, ip string) (bool, error) {
	sql, args, err := psql.Select("1").From("login_attempts").
		Where(sq.Eq{"email": email, "ip": ip, "success": true}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.pool.QueryRow(ctx, sql, args...).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("login from ip: %w", err)
	}
	return true, nil
}
