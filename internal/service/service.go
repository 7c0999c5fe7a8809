package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"firehall/internal/auth"
	"firehall/internal/botgate"
	"firehall/internal/config"
	"firehall/internal/models"
	"firehall/internal/notify"
	"firehall/internal/rate"
	"firehall/internal/store"
)

var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrDuplicateRegistration = errors.New("a registration for this email is already pending")
	ErrBotSuspected          = botgate.ErrBotSuspected
	ErrStoreUnavailable      = errors.New("store unavailable")
)

// RateLimitedError carries the retry hint for a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ValidationError marks user-correctable input problems; its message is safe
// to show verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErr(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

const (
	actionRegister    = "register"
	actionMagicLinkIP = "magiclink_ip"
	actionContact     = "contact"
)

type Service struct {
	cfg     config.Config
	st      *store.Store
	gate    *botgate.Gate
	limiter *rate.SlidingLimiter
	sender  *notify.Sender
}

func New(cfg config.Config, st *store.Store, gate *botgate.Gate, limiter *rate.SlidingLimiter, sender *notify.Sender) *Service {
	return &Service{cfg: cfg, st: st, gate: gate, limiter: limiter, sender: sender}
}

func hashUA(ua string) string {
	s := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(s[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	a, err := netmail.ParseAddress(email)
	return err == nil && a.Address == email
}

// IssueFormToken hands out the sealed render timestamp for a public form.
func (s *Service) IssueFormToken(form string) (string, error) {
	return s.gate.IssueFormToken(form)
}

func (s *Service) allow(ctx context.Context, action, key string, p rate.Policy) error {
	d, err := s.limiter.Allow(ctx, action, key, p)
	if err != nil {
		// Fail closed, but as an outage rather than a quota message.
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !d.Allowed {
		return &RateLimitedError{RetryAfter: d.RetryAfter}
	}
	return nil
}

// --- registration ---

type RegistrationInput struct {
	FirstName    string
	LastName     string
	Email        string
	Honeypot     string
	FormToken    string
	CaptchaToken string
	IP           string
	UserAgent    string
}

// RequestRegistration runs the public registration pipeline: bot checks,
// rate limit, validation, uniqueness, then the stored request plus the two
// notification mails. Mail failures never undo the stored request.
func (s *Service) RequestRegistration(ctx context.Context, in RegistrationInput) error {
	if err := s.gate.Check(ctx, botgate.Submission{
		Form:         "register",
		Honeypot:     in.Honeypot,
		FormToken:    in.FormToken,
		CaptchaToken: in.CaptchaToken,
		RemoteIP:     in.IP,
		MinDwell:     time.Duration(s.cfg.RegisterMinDwellSec) * time.Second,
	}); err != nil {
		return err
	}
	if err := s.allow(ctx, actionRegister, in.IP, rate.Policy{
		Max:    s.cfg.RegisterMaxPerIP,
		Window: time.Duration(s.cfg.RegisterWindowSec) * time.Second,
	}); err != nil {
		return err
	}

	email := normalizeEmail(in.Email)
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	switch {
	case first == "" || last == "":
		return validationErr("first and last name are required")
	case len(first) > 100 || len(last) > 100:
		return validationErr("name is too long")
	case !validEmail(email):
		return validationErr("invalid email address")
	}

	if _, err := s.st.GetUserByEmail(ctx, email); err == nil {
		// An account already exists. Saying so here would leak membership,
		// so the caller still sees the duplicate-pending message.
		return ErrDuplicateRegistration
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if pending, err := s.st.HasPendingRegistration(ctx, email); err != nil {
		return err
	} else if pending {
		return ErrDuplicateRegistration
	}

	// Decided (approved/rejected) requests do not block a new attempt.
	if err := s.st.PurgeDecidedRegistrations(ctx, email); err != nil {
		return err
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return err
	}
	reg, err := s.st.CreateRegistrationRequest(ctx, email, first, last, tokenHash, in.IP, hashUA(in.UserAgent))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrDuplicateRegistration
		}
		return err
	}

	if err := s.sender.SendRegistrationVerification(ctx, email, first, raw, s.cfg.RegistrationTTLHours); err != nil {
		log.Printf("registration mail failed registration_id=%s err=%v", reg.ID, err)
	}
	if err := s.sender.SendAdminNewRegistration(ctx, email, first+" "+last); err != nil {
		log.Printf("admin notification failed registration_id=%s err=%v", reg.ID, err)
	}
	return nil
}

// VerifyRegistration confirms the applicant's email address. Repeat clicks
// on the same link keep succeeding until the request is decided.
func (s *Service) VerifyRegistration(ctx context.Context, rawToken string) (models.RegistrationRequest, error) {
	if strings.TrimSpace(rawToken) == "" {
		return models.RegistrationRequest{}, store.ErrTokenNotFound
	}
	reg, err := s.st.GetRegistrationByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RegistrationRequest{}, store.ErrTokenNotFound
		}
		return models.RegistrationRequest{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if reg.EmailVerifiedAt != nil {
		return reg, nil
	}
	now := time.Now().UTC()
	if now.After(reg.CreatedAt.Add(s.cfg.RegistrationTokenTTL())) {
		return models.RegistrationRequest{}, store.ErrTokenExpired
	}
	if _, err := s.st.MarkRegistrationEmailVerified(ctx, reg.ID, now); err != nil {
		return models.RegistrationRequest{}, err
	}
	t := now
	reg.EmailVerifiedAt = &t
	return reg, nil
}

func (s *Service) ListRegistrations(ctx context.Context, status string, limit, offset int) ([]models.RegistrationRequest, error) {
	return s.st.ListRegistrations(ctx, status, limit, offset)
}

// ApproveRegistration creates the member account. The applicant must have
// proven control of the mailbox first; magic-link sign-in depends on it.
func (s *Service) ApproveRegistration(ctx context.Context, adminID, regID string) error {
	reg, err := s.st.GetRegistrationByID(ctx, regID)
	if err != nil {
		return err
	}
	if reg.Status != models.RegistrationPending {
		return store.ErrConflict
	}
	if reg.EmailVerifiedAt == nil {
		return validationErr("email address is not verified yet")
	}
	name := strings.TrimSpace(reg.FirstName + " " + reg.LastName)
	u, err := s.st.CreateUser(ctx, reg.Email, name, "member", models.AuthMagicLink, nil, true)
	if err != nil {
		return err
	}
	if err := s.st.SetRegistrationDecision(ctx, regID, models.RegistrationApproved, adminID, ""); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"registration_id": regID, "user_id": u.ID, "email": reg.Email})
	if err := s.st.InsertAudit(ctx, adminID, "registration.approve", u.ID, string(meta)); err != nil {
		return err
	}
	if err := s.sender.SendRegistrationApproved(ctx, reg.Email, reg.FirstName); err != nil {
		log.Printf("approval mail failed registration_id=%s err=%v", regID, err)
	}
	return nil
}

func (s *Service) RejectRegistration(ctx context.Context, adminID, regID, reason string) error {
	reg, err := s.st.GetRegistrationByID(ctx, regID)
	if err != nil {
		return err
	}
	if err := s.st.SetRegistrationDecision(ctx, regID, models.RegistrationRejected, adminID, reason); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"registration_id": regID, "email": reg.Email, "reason": reason})
	if err := s.st.InsertAudit(ctx, adminID, "registration.reject", regID, string(meta)); err != nil {
		return err
	}
	if err := s.sender.SendRegistrationRejected(ctx, reg.Email, reg.FirstName, reason); err != nil {
		log.Printf("rejection mail failed registration_id=%s err=%v", regID, err)
	}
	return nil
}

// --- magic link ---

type MagicLinkInput struct {
	Email        string
	Honeypot     string
	FormToken    string
	CaptchaToken string
	IP           string
	UserAgent    string
}

// RequestMagicLink issues a sign-in link. Except for bot and rate-limit
// failures the outcome is always "accepted": whether the address belongs to
// a member must not be observable from the response.
func (s *Service) RequestMagicLink(ctx context.Context, in MagicLinkInput) error {
	if err := s.gate.Check(ctx, botgate.Submission{
		Form:         "magiclink",
		Honeypot:     in.Honeypot,
		FormToken:    in.FormToken,
		CaptchaToken: in.CaptchaToken,
		RemoteIP:     in.IP,
		MinDwell:     time.Duration(s.cfg.MagicLinkMinDwellSec) * time.Second,
	}); err != nil {
		return err
	}
	if err := s.allow(ctx, actionMagicLinkIP, in.IP, rate.Policy{
		Max:    s.cfg.MagicLinkMaxPerIP,
		Window: time.Duration(s.cfg.MagicLinkWindowSec) * time.Second,
	}); err != nil {
		return err
	}

	email := normalizeEmail(in.Email)
	if !validEmail(email) {
		return validationErr("invalid email address")
	}
	// The finer per-email quota counts the recorded sign-in attempts, so
	// every processed request below must log one.
	if err := s.attemptBackoff(ctx, email, in.IP, s.cfg.MagicLinkMaxPerEmail,
		time.Duration(s.cfg.MagicLinkWindowSec)*time.Second, false); err != nil {
		return err
	}

	u, err := s.st.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Printf("magic link skipped reason=unknown_email ip=%s", in.IP)
		_ = s.st.InsertLoginAttempt(ctx, email, in.IP, models.AuthMagicLink, false)
		return nil
	case err != nil:
		return err
	case !u.EmailVerified:
		log.Printf("magic link skipped reason=unverified user_id=%s", u.ID)
		_ = s.st.InsertLoginAttempt(ctx, email, in.IP, models.AuthMagicLink, false)
		return nil
	case !u.AuthMethod.AllowsMagicLink():
		log.Printf("magic link skipped reason=method user_id=%s method=%s", u.ID, u.AuthMethod)
		_ = s.st.InsertLoginAttempt(ctx, email, in.IP, models.AuthMagicLink, false)
		return nil
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return err
	}
	expires := time.Now().UTC().Add(s.cfg.MagicLinkTTL())
	if _, err := s.st.CreateMagicLink(ctx, u.ID, tokenHash, in.IP, in.UserAgent, expires); err != nil {
		return err
	}
	first := u.DisplayName
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	if err := s.sender.SendMagicLink(ctx, email, first, raw, s.cfg.MagicLinkTTLMinutes); err != nil {
		log.Printf("magic link mail failed user_id=%s err=%v", u.ID, err)
	}
	return s.st.InsertLoginAttempt(ctx, email, in.IP, models.AuthMagicLink, true)
}

// RedeemMagicLink consumes the emailed token and opens a session. Callers
// collapse every token failure except store outages into one generic page.
func (s *Service) RedeemMagicLink(ctx context.Context, rawToken, ip, userAgent string) (string, models.User, error) {
	if strings.TrimSpace(rawToken) == "" {
		return "", models.User{}, store.ErrTokenNotFound
	}
	now := time.Now().UTC()
	link, err := s.st.RedeemMagicLink(ctx, auth.HashToken(rawToken), now)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTokenNotFound),
			errors.Is(err, store.ErrTokenExpired),
			errors.Is(err, store.ErrTokenUsed):
			log.Printf("magic link redemption failed reason=%v ip=%s", err, ip)
			return "", models.User{}, err
		default:
			return "", models.User{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	u, err := s.st.GetUserByID(ctx, link.UserID)
	if err != nil {
		return "", models.User{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	raw, err := s.openSession(ctx, u, models.AuthMagicLink, ip, userAgent, now)
	if err != nil {
		return "", models.User{}, err
	}
	_ = s.st.InsertLoginAttempt(ctx, u.Email, ip, models.AuthMagicLink, true)
	return raw, u, nil
}

// --- contact form ---

type ContactInput struct {
	Name         string
	Email        string
	Subject      string
	Message      string
	Honeypot     string
	FormToken    string
	CaptchaToken string
	IP           string
	UserAgent    string
}

// SubmitContact relays a public contact-form message to the department
// address. Unlike registration there is no data write, so a transport
// failure fails the request.
func (s *Service) SubmitContact(ctx context.Context, in ContactInput) error {
	if err := s.gate.Check(ctx, botgate.Submission{
		Form:         "contact",
		Honeypot:     in.Honeypot,
		FormToken:    in.FormToken,
		CaptchaToken: in.CaptchaToken,
		RemoteIP:     in.IP,
		MinDwell:     time.Duration(s.cfg.ContactMinDwellSec) * time.Second,
	}); err != nil {
		return err
	}
	if err := s.allow(ctx, actionContact, in.IP, rate.Policy{
		Max:    s.cfg.ContactMaxPerIP,
		Window: time.Duration(s.cfg.ContactWindowSec) * time.Second,
	}); err != nil {
		return err
	}

	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	message := strings.TrimSpace(in.Message)
	switch {
	case name == "" || message == "":
		return validationErr("name and message are required")
	case len(message) > 10000:
		return validationErr("message is too long")
	case !validEmail(email):
		return validationErr("invalid email address")
	}
	if err := s.sender.SendContactMessage(ctx, name, email, strings.TrimSpace(in.Subject), message); err != nil {
		log.Printf("contact mail failed ip=%s err=%v", in.IP, err)
		return fmt.Errorf("contact relay: %w", err)
	}
	return nil
}

// --- password login ---

// PasswordLogin authenticates members whose auth method includes a
// password. All failures look identical to the caller.
func (s *Service) PasswordLogin(ctx context.Context, email, password, ip, userAgent string) (string, models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", models.User{}, ErrInvalidCredentials
	}
	if err := s.attemptBackoff(ctx, email, ip, s.cfg.LoginMaxPerEmail,
		time.Duration(s.cfg.LoginWindowSec)*time.Second, true); err != nil {
		return "", models.User{}, err
	}

	fail := func(reason string) (string, models.User, error) {
		log.Printf("password login failed reason=%s ip=%s", reason, ip)
		_ = s.st.InsertLoginAttempt(ctx, email, ip, models.AuthPassword, false)
		return "", models.User{}, ErrInvalidCredentials
	}

	u, err := s.st.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail("unknown_email")
		}
		return "", models.User{}, err
	}
	if !u.AuthMethod.AllowsPassword() || u.PasswordHash == nil {
		return fail("method")
	}
	if !auth.VerifyPassword(*u.PasswordHash, password) {
		return fail("bad_password")
	}
	if !u.EmailVerified {
		return fail("unverified")
	}

	now := time.Now().UTC()
	raw, err := s.openSession(ctx, u, models.AuthPassword, ip, userAgent, now)
	if err != nil {
		return "", models.User{}, err
	}
	_ = s.st.InsertLoginAttempt(ctx, email, ip, models.AuthPassword, true)
	return raw, u, nil
}

// attemptBackoff throttles per (email, IP) from the recorded login
// attempts instead of a separate counter table, so the audit trail and the
// limiter can never disagree. failedOnly is set for password logins, where
// a successful sign-in must never contribute to a lockout.
func (s *Service) attemptBackoff(ctx context.Context, email, ip string, max int, window time.Duration, failedOnly bool) error {
	now := time.Now().UTC()
	since := now.Add(-window)
	count := s.st.CountLoginAttemptsSince
	oldestFn := s.st.OldestLoginAttemptSince
	if failedOnly {
		count = s.st.CountFailedLoginAttemptsSince
		oldestFn = s.st.OldestFailedLoginAttemptSince
	}
	n, err := count(ctx, email, ip, since)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n < max {
		return nil
	}
	retry := window
	if oldest, ok, err := oldestFn(ctx, email, ip, since); err == nil && ok {
		retry = oldest.Add(window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
	}
	return &RateLimitedError{RetryAfter: retry}
}

// --- sessions ---

func (s *Service) openSession(ctx context.Context, u models.User, method models.AuthMethod, ip, userAgent string, now time.Time) (string, error) {
	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	sess := models.Session{
		ID:            uuid.NewString(),
		UserID:        u.ID,
		TokenHash:     tokenHash,
		AuthMethod:    method,
		IPHint:        ip,
		UserAgentHash: hashUA(userAgent),
		ExpiresAt:     now.Add(s.cfg.SessionAbsoluteDuration()),
		IdleExpiresAt: now.Add(s.cfg.SessionIdleDuration()),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	_ = s.st.TouchUserLastLogin(ctx, u.ID, now)
	return raw, nil
}

func (s *Service) ValidateSession(ctx context.Context, rawToken string) (models.User, models.Session, error) {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	now := time.Now().UTC()
	if sess.RevokedAt != nil || now.After(sess.ExpiresAt) || now.After(sess.IdleExpiresAt) {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	_ = s.st.TouchSession(ctx, sess.ID, now.Add(s.cfg.SessionIdleDuration()))

	u, err := s.st.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	return u, sess, nil
}

func (s *Service) Logout(ctx context.Context, rawToken string) error {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return nil
	}
	return s.st.RevokeSession(ctx, sess.ID)
}

// --- admin listings ---

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	return s.st.ListUsers(ctx, limit, offset)
}

func (s *Service) ListLoginAttempts(ctx context.Context, limit, offset int) ([]models.LoginAttempt, error) {
	return s.st.ListLoginAttempts(ctx, limit, offset)
}

func (s *Service) ListAudit(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	return s.st.ListAudit(ctx, limit, offset)
}

// --- maintenance ---

// Cleanup prunes everything with an expiry. Invoked from a ticker; the
// request path never pays for it.
func (s *Service) Cleanup(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := s.st.DeleteStaleRegistrations(ctx, now.Add(-s.cfg.RegistrationTokenTTL())); err != nil {
		log.Printf("cleanup registrations failed err=%v", err)
	} else if n > 0 {
		log.Printf("cleanup registrations removed=%d", n)
	}
	if n, err := s.st.DeleteMagicLinksBefore(ctx, now); err != nil {
		log.Printf("cleanup magic links failed err=%v", err)
	} else if n > 0 {
		log.Printf("cleanup magic links removed=%d", n)
	}
	keep := time.Duration(s.cfg.LoginAttemptKeepDays) * 24 * time.Hour
	if n, err := s.st.DeleteLoginAttemptsBefore(ctx, now.Add(-keep)); err != nil {
		log.Printf("cleanup login attempts failed err=%v", err)
	} else if n > 0 {
		log.Printf("cleanup login attempts removed=%d", n)
	}
	maxWindow := time.Duration(maxInt(s.cfg.RegisterWindowSec, s.cfg.MagicLinkWindowSec, s.cfg.LoginWindowSec, s.cfg.ContactWindowSec)) * time.Second
	if n, err := s.st.DeleteRateAttemptsBefore(ctx, now.Add(-maxWindow)); err != nil {
		log.Printf("cleanup rate attempts failed err=%v", err)
	} else if n > 0 {
		log.Printf("cleanup rate attempts removed=%d", n)
	}
	if n, err := s.st.DeleteExpiredSessions(ctx, now); err != nil {
		log.Printf("cleanup sessions failed err=%v", err)
	} else if n > 0 {
		log.Printf("cleanup sessions removed=%d", n)
	}
}

func maxInt(vals ...int) int {
	m := 0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
