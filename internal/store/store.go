package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"firehall/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenUsed     = errors.New("token already used")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

const userCols = `id,email,display_name,role,auth_method,password_hash,email_verified,created_at,last_login_at`

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	var verified int
	var passwordHash sql.NullString
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.AuthMethod, &passwordHash, &verified, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	u.EmailVerified = verified == 1
	if passwordHash.Valid {
		v := passwordHash.String
		u.PasswordHash = &v
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, email, displayName, role string, method models.AuthMethod, passwordHash *string, emailVerified bool) (models.User, error) {
	now := time.Now().UTC()
	u := models.User{
		ID:            uuid.NewString(),
		Email:         strings.ToLower(strings.TrimSpace(email)),
		DisplayName:   strings.TrimSpace(displayName),
		Role:          role,
		AuthMethod:    method,
		PasswordHash:  passwordHash,
		EmailVerified: emailVerified,
		CreatedAt:     now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,email,display_name,role,auth_method,password_hash,email_verified,created_at) VALUES(?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.DisplayName, u.Role, u.AuthMethod, passwordHash, boolToInt(emailVerified), u.CreatedAt,
	)
	if err != nil && isUniqueErr(err) {
		return models.User{}, ErrConflict
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id)
	return scanUser(row)
}

// EnsureAdmin creates or promotes the bootstrap admin account. Admins keep
// password auth available alongside magic links.
func (s *Store) EnsureAdmin(ctx context.Context, email, passwordHash string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return nil
	}
	u, err := s.GetUserByEmail(ctx, email)
	if err == ErrNotFound {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users(id,email,display_name,role,auth_method,password_hash,email_verified,created_at) VALUES(?,?,?,?,?,?,?,?)`,
			uuid.NewString(), email, "Administrator", "admin", models.AuthBoth, passwordHash, 1, time.Now().UTC(),
		)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET role='admin', auth_method=?, password_hash=?, email_verified=1 WHERE id=?`,
		models.AuthBoth, passwordHash, u.ID,
	)
	return err
}

func (s *Store) TouchUserLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, at, userID)
	return err
}

func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userCols+` FROM users ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- registration requests ---

const regCols = `id,email,first_name,last_name,token_hash,status,source_ip,user_agent_hash,email_verified_at,created_at,decided_at,decided_by,reason`

func scanRegistration(row interface{ Scan(...any) error }) (models.RegistrationRequest, error) {
	var r models.RegistrationRequest
	var verifiedAt, decidedAt sql.NullTime
	var decidedBy, reason sql.NullString
	err := row.Scan(&r.ID, &r.Email, &r.FirstName, &r.LastName, &r.TokenHash, &r.Status, &r.SourceIP, &r.UserAgentHash, &verifiedAt, &r.CreatedAt, &decidedAt, &decidedBy, &reason)
	if err == sql.ErrNoRows {
		return models.RegistrationRequest{}, ErrNotFound
	}
	if err != nil {
		return models.RegistrationRequest{}, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		r.EmailVerifiedAt = &t
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	if decidedBy.Valid {
		v := decidedBy.String
		r.DecidedBy = &v
	}
	if reason.Valid {
		v := reason.String
		r.Reason = &v
	}
	return r, nil
}

// HasPendingRegistration reports whether a pending request exists for email.
func (s *Store) HasPendingRegistration(ctx context.Context, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM registration_requests WHERE email=? AND status='pending'`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&n)
	return n > 0, err
}

// PurgeDecidedRegistrations removes approved/rejected requests for email so
// the address can register again.
func (s *Store) PurgeDecidedRegistrations(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM registration_requests WHERE email=? AND status IN ('approved','rejected')`,
		strings.ToLower(strings.TrimSpace(email)),
	)
	return err
}

func (s *Store) CreateRegistrationRequest(ctx context.Context, email, firstName, lastName, tokenHash, ip, uaHash string) (models.RegistrationRequest, error) {
	now := time.Now().UTC()
	r := models.RegistrationRequest{
		ID:            uuid.NewString(),
		Email:         strings.ToLower(strings.TrimSpace(email)),
		FirstName:     strings.TrimSpace(firstName),
		LastName:      strings.TrimSpace(lastName),
		TokenHash:     tokenHash,
		Status:        models.RegistrationPending,
		SourceIP:      ip,
		UserAgentHash: uaHash,
		CreatedAt:     now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registration_requests(id,email,first_name,last_name,token_hash,status,source_ip,user_agent_hash,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Email, r.FirstName, r.LastName, r.TokenHash, r.Status, r.SourceIP, r.UserAgentHash, r.CreatedAt,
	)
	if err != nil && isUniqueErr(err) {
		return models.RegistrationRequest{}, ErrConflict
	}
	return r, err
}

func (s *Store) GetRegistrationByID(ctx context.Context, id string) (models.RegistrationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+regCols+` FROM registration_requests WHERE id=?`, id)
	return scanRegistration(row)
}

func (s *Store) GetRegistrationByTokenHash(ctx context.Context, tokenHash string) (models.RegistrationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+regCols+` FROM registration_requests WHERE token_hash=?`, tokenHash)
	return scanRegistration(row)
}

// MarkRegistrationEmailVerified stamps email_verified_at once. The returned
// bool is false when the request was already verified (idempotent repeat).
func (s *Store) MarkRegistrationEmailVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registration_requests SET email_verified_at=? WHERE id=? AND email_verified_at IS NULL`,
		at, id,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) ListRegistrations(ctx context.Context, status string, limit, offset int) ([]models.RegistrationRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+regCols+` FROM registration_requests WHERE status=? ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		status, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RegistrationRequest
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRegistrationDecision transitions pending->approved/rejected exactly
// once; a second decision returns ErrConflict.
func (s *Store) SetRegistrationDecision(ctx context.Context, regID string, status models.RegistrationStatus, decidedBy, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registration_requests SET status=?,decided_at=?,decided_by=?,reason=? WHERE id=? AND status='pending'`,
		status, time.Now().UTC(), decidedBy, reason, regID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteStaleRegistrations prunes pending requests whose verification token
// is past its validity window and whose email was never verified.
func (s *Store) DeleteStaleRegistrations(ctx context.Context, createdBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM registration_requests WHERE status='pending' AND email_verified_at IS NULL AND created_at < ?`,
		createdBefore,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- magic links ---

func (s *Store) CreateMagicLink(ctx context.Context, userID, tokenHash, ip, userAgent string, expiresAt time.Time) (models.MagicLink, error) {
	now := time.Now().UTC()
	ml := models.MagicLink{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: tokenHash,
		IssuedIP:  ip,
		UserAgent: userAgent,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO magic_links(id,user_id,token_hash,issued_ip,user_agent,expires_at,created_at) VALUES(?,?,?,?,?,?,?)`,
		ml.ID, ml.UserID, ml.TokenHash, ml.IssuedIP, ml.UserAgent, ml.ExpiresAt, ml.CreatedAt,
	)
	return ml, err
}

// RedeemMagicLink validates and consumes a magic link in one pass. The
// consume step is a conditional update so two concurrent redemptions of the
// same token cannot both win: the loser sees zero affected rows and gets
// ErrTokenUsed.
func (s *Store) RedeemMagicLink(ctx context.Context, tokenHash string, now time.Time) (models.MagicLink, error) {
	var ml models.MagicLink
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,token_hash,issued_ip,user_agent,expires_at,used_at,created_at FROM magic_links WHERE token_hash=?`,
		tokenHash,
	).Scan(&ml.ID, &ml.UserID, &ml.TokenHash, &ml.IssuedIP, &ml.UserAgent, &ml.ExpiresAt, &usedAt, &ml.CreatedAt)
	if err == sql.ErrNoRows {
		return models.MagicLink{}, ErrTokenNotFound
	}
	if err != nil {
		return models.MagicLink{}, err
	}
	if usedAt.Valid {
		return models.MagicLink{}, ErrTokenUsed
	}
	if !now.Before(ml.ExpiresAt) {
		return models.MagicLink{}, ErrTokenExpired
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE magic_links SET used_at=? WHERE id=? AND used_at IS NULL`,
		now, ml.ID,
	)
	if err != nil {
		return models.MagicLink{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.MagicLink{}, err
	}
	if rows == 0 {
		return models.MagicLink{}, ErrTokenUsed
	}
	ml.UsedAt = &now
	return ml, nil
}

// DeleteMagicLinksBefore removes links that expired or were used before the
// cutoff.
func (s *Store) DeleteMagicLinksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM magic_links WHERE expires_at < ? OR (used_at IS NOT NULL AND used_at < ?)`,
		cutoff, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- login attempts ---

func (s *Store) InsertLoginAttempt(ctx context.Context, email, ip string, method models.AuthMethod, success bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_attempts(id,email,ip,method,success,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), strings.ToLower(strings.TrimSpace(email)), ip, method, boolToInt(success), time.Now().UTC(),
	)
	return err
}

// CountLoginAttemptsSince counts every processed sign-in request for the
// pair, successful or not. It drives the per-email magic-link quota.
func (s *Store) CountLoginAttemptsSince(ctx context.Context, email, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM login_attempts WHERE email=? AND ip=? AND created_at >= ?`,
		strings.ToLower(strings.TrimSpace(email)), ip, since,
	).Scan(&n)
	return n, err
}

func (s *Store) OldestLoginAttemptSince(ctx context.Context, email, ip string, since time.Time) (time.Time, bool, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM login_attempts WHERE email=? AND ip=? AND created_at >= ?`,
		strings.ToLower(strings.TrimSpace(email)), ip, since,
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	return at.Time, at.Valid, nil
}

// CountFailedLoginAttemptsSince feeds the password-login backoff. Only
// failures count; a signed-in member must never lock themselves out.
func (s *Store) CountFailedLoginAttemptsSince(ctx context.Context, email, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM login_attempts WHERE email=? AND ip=? AND success=0 AND created_at >= ?`,
		strings.ToLower(strings.TrimSpace(email)), ip, since,
	).Scan(&n)
	return n, err
}

func (s *Store) OldestFailedLoginAttemptSince(ctx context.Context, email, ip string, since time.Time) (time.Time, bool, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM login_attempts WHERE email=? AND ip=? AND success=0 AND created_at >= ?`,
		strings.ToLower(strings.TrimSpace(email)), ip, since,
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	return at.Time, at.Valid, nil
}

func (s *Store) ListLoginAttempts(ctx context.Context, limit, offset int) ([]models.LoginAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,email,ip,method,success,created_at FROM login_attempts ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LoginAttempt
	for rows.Next() {
		var a models.LoginAttempt
		var success int
		if err := rows.Scan(&a.ID, &a.Email, &a.IP, &a.Method, &success, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Success = success == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- rate attempts (sliding window counters) ---

func (s *Store) InsertRateAttempt(ctx context.Context, action, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_attempts(id,action,key,created_at) VALUES(?,?,?,?)`,
		uuid.NewString(), action, key, at,
	)
	return err
}

func (s *Store) CountRateAttemptsSince(ctx context.Context, action, key string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM rate_attempts WHERE action=? AND key=? AND created_at >= ?`,
		action, key, since,
	).Scan(&n)
	return n, err
}

func (s *Store) OldestRateAttemptSince(ctx context.Context, action, key string, since time.Time) (time.Time, bool, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM rate_attempts WHERE action=? AND key=? AND created_at >= ?`,
		action, key, since,
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	return at.Time, at.Valid, nil
}

func (s *Store) DeleteRateAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id,user_id,token_hash,auth_method,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.AuthMethod, sess.IPHint, sess.UserAgentHash, sess.ExpiresAt, sess.IdleExpiresAt, sess.CreatedAt, sess.LastSeenAt,
	)
	return err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	var sess models.Session
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,token_hash,auth_method,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at,revoked_at FROM sessions WHERE token_hash=?`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.AuthMethod, &sess.IPHint, &sess.UserAgentHash, &sess.ExpiresAt, &sess.IdleExpiresAt, &sess.CreatedAt, &sess.LastSeenAt, &revoked)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, idleExpiry time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at=?, idle_expires_at=? WHERE id=?`, time.Now().UTC(), idleExpiry, id)
	return err
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=?`, time.Now().UTC(), id)
	return err
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE user_id=? AND revoked_at IS NULL`, time.Now().UTC(), userID)
	return err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ? OR revoked_at IS NOT NULL`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- audit ---

func (s *Store) InsertAudit(ctx context.Context, actorID, action, target, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_audit_log(id,actor_user_id,action,target,metadata_json,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), actorID, action, target, metadata, time.Now().UTC(),
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,actor_user_id,action,target,metadata_json,created_at FROM admin_audit_log ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, limit)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.Target, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isUniqueErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
