package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	SessionCookieName   string
	SessionIdleMinutes  int
	SessionAbsoluteHour int
	CSRFCookieName      string
	CookieSecureMode    string
	TrustProxy          bool
	CORSAllowedOrigins  []string

	FormSealKey          string
	RegisterMinDwellSec  int
	MagicLinkMinDwellSec int

	CaptchaEnabled   bool
	CaptchaProvider  string
	CaptchaVerifyURL string
	CaptchaSecret    string

	MagicLinkTTLMinutes   int
	RegistrationTTLHours  int
	LoginAttemptKeepDays  int
	PasswordMinLength     int
	PasswordMaxLength     int
	RegisterMaxPerIP      int
	RegisterWindowSec     int
	MagicLinkMaxPerIP     int
	MagicLinkMaxPerEmail  int
	MagicLinkWindowSec    int
	LoginMaxPerEmail      int
	LoginWindowSec        int
	ContactMinDwellSec    int
	ContactMaxPerIP       int
	ContactWindowSec      int
	ContactEmail          string
	CleanupIntervalMin    int

	MailSender             string
	SMTPHost               string
	SMTPPort               int
	SMTPTLS                bool
	SMTPStartTLS           bool
	SMTPInsecureSkipVerify bool
	SMTPUsername           string
	SMTPPassword           string
	SMTPTimeoutSec         int
	MailFrom               string
	MailFromName           string
	MailReplyTo            string
	AdminNotifyEmail       string

	LegacyDBDriver    string
	LegacyDBDSN       string
	LegacyUserTable   string
	LegacyEmailColumn string
	LegacyFirstColumn string
	LegacyLastColumn  string
	LegacyAdminColumn string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		BaseURL:                  strings.TrimRight(env("BASE_URL", "http://127.0.0.1:8080"), "/"),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		SessionCookieName:        env("SESSION_COOKIE_NAME", "firehall_session"),
		SessionIdleMinutes:       envInt("SESSION_IDLE_MINUTES", 60),
		SessionAbsoluteHour:      envInt("SESSION_ABSOLUTE_HOURS", 24),
		CSRFCookieName:           env("CSRF_COOKIE_NAME", "firehall_csrf"),
		CookieSecureMode:         strings.ToLower(env("COOKIE_SECURE_MODE", "auto")),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		FormSealKey:              env("FORM_SEAL_KEY", "CHANGE_ME_PRODUCTION_FORM_KEY"),
		RegisterMinDwellSec:      envInt("REGISTER_MIN_DWELL_SEC", 4),
		MagicLinkMinDwellSec:     envInt("MAGICLINK_MIN_DWELL_SEC", 3),
		CaptchaEnabled:           envBool("CAPTCHA_ENABLED", false),
		CaptchaProvider:          strings.ToLower(env("CAPTCHA_PROVIDER", "turnstile")),
		CaptchaVerifyURL:         env("CAPTCHA_VERIFY_URL", ""),
		CaptchaSecret:            env("CAPTCHA_SECRET", ""),
		MagicLinkTTLMinutes:      envInt("MAGICLINK_TTL_MINUTES", 15),
		RegistrationTTLHours:     envInt("REGISTRATION_TOKEN_TTL_HOURS", 72),
		LoginAttemptKeepDays:     envInt("LOGIN_ATTEMPT_KEEP_DAYS", 30),
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", 12),
		PasswordMaxLength:        envInt("PASSWORD_MAX_LENGTH", 128),
		RegisterMaxPerIP:         envInt("REGISTER_MAX_PER_IP", 5),
		RegisterWindowSec:        envInt("REGISTER_WINDOW_SEC", 3600),
		MagicLinkMaxPerIP:        envInt("MAGICLINK_MAX_PER_IP", 20),
		MagicLinkMaxPerEmail:     envInt("MAGICLINK_MAX_PER_EMAIL", 3),
		MagicLinkWindowSec:       envInt("MAGICLINK_WINDOW_SEC", 900),
		LoginMaxPerEmail:         envInt("LOGIN_MAX_PER_EMAIL", 5),
		LoginWindowSec:           envInt("LOGIN_WINDOW_SEC", 900),
		ContactMinDwellSec:       envInt("CONTACT_MIN_DWELL_SEC", 4),
		ContactMaxPerIP:          envInt("CONTACT_MAX_PER_IP", 5),
		ContactWindowSec:         envInt("CONTACT_WINDOW_SEC", 3600),
		ContactEmail:             env("CONTACT_EMAIL", ""),
		CleanupIntervalMin:       envInt("CLEANUP_INTERVAL_MIN", 60),
		MailSender:               strings.ToLower(env("MAIL_SENDER", "log")),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPTLS:                  envBool("SMTP_TLS", false),
		SMTPStartTLS:             envBool("SMTP_STARTTLS", true),
		SMTPInsecureSkipVerify:   envBool("SMTP_INSECURE_SKIP_VERIFY", false),
		SMTPUsername:             env("SMTP_USERNAME", ""),
		SMTPPassword:             env("SMTP_PASSWORD", ""),
		SMTPTimeoutSec:           envInt("SMTP_TIMEOUT_SEC", 30),
		MailFrom:                 env("MAIL_FROM", "noreply@example.com"),
		MailFromName:             env("MAIL_FROM_NAME", "Volunteer Fire Department"),
		MailReplyTo:              env("MAIL_REPLY_TO", ""),
		AdminNotifyEmail:         env("ADMIN_NOTIFY_EMAIL", ""),
		LegacyDBDriver:           env("LEGACY_DB_DRIVER", ""),
		LegacyDBDSN:              env("LEGACY_DB_DSN", ""),
		LegacyUserTable:          env("LEGACY_USER_TABLE", "members"),
		LegacyEmailColumn:        env("LEGACY_EMAIL_COL", "email"),
		LegacyFirstColumn:        env("LEGACY_FIRST_NAME_COL", "first_name"),
		LegacyLastColumn:         env("LEGACY_LAST_NAME_COL", "last_name"),
		LegacyAdminColumn:        env("LEGACY_ADMIN_COL", "is_admin"),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 60),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		BootstrapAdminEmail:      env("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword:   env("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}

	if cfg.SessionIdleMinutes <= 0 || cfg.SessionAbsoluteHour <= 0 {
		return Config{}, fmt.Errorf("session timeouts must be positive")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if cfg.MagicLinkTTLMinutes <= 0 || cfg.RegistrationTTLHours <= 0 {
		return Config{}, fmt.Errorf("token lifetimes must be positive")
	}
	if cfg.RegisterMinDwellSec < 0 || cfg.MagicLinkMinDwellSec < 0 || cfg.ContactMinDwellSec < 0 {
		return Config{}, fmt.Errorf("dwell times must not be negative")
	}
	if cfg.ContactEmail == "" {
		cfg.ContactEmail = cfg.AdminNotifyEmail
	}
	if cfg.PasswordMinLength < 8 {
		return Config{}, fmt.Errorf("password min length must be >= 8")
	}
	if cfg.PasswordMaxLength < cfg.PasswordMinLength {
		return Config{}, fmt.Errorf("password max length must be >= min length")
	}
	if strings.TrimSpace(cfg.FormSealKey) == "" ||
		cfg.FormSealKey == "CHANGE_ME_PRODUCTION_FORM_KEY" ||
		len(cfg.FormSealKey) < 24 {
		return Config{}, fmt.Errorf("FORM_SEAL_KEY must be set to a strong non-default value (>=24 chars)")
	}
	switch cfg.CookieSecureMode {
	case "auto", "always", "never":
	default:
		return Config{}, fmt.Errorf("COOKIE_SECURE_MODE must be one of: auto, always, never")
	}
	if cfg.CookieSecureMode == "never" && !isLocalListen(cfg.ListenAddr) {
		return Config{}, fmt.Errorf("COOKIE_SECURE_MODE=never is allowed only for local listen addresses")
	}
	switch cfg.MailSender {
	case "smtp", "log":
	default:
		return Config{}, fmt.Errorf("MAIL_SENDER must be one of: smtp, log")
	}
	if cfg.MailSender == "smtp" {
		if cfg.SMTPPort <= 0 {
			return Config{}, fmt.Errorf("invalid SMTP port")
		}
		if cfg.SMTPTimeoutSec <= 0 {
			return Config{}, fmt.Errorf("SMTP timeout must be positive")
		}
	}
	if cfg.CaptchaEnabled {
		if strings.TrimSpace(cfg.CaptchaSecret) == "" {
			return Config{}, fmt.Errorf("CAPTCHA_SECRET is required when CAPTCHA_ENABLED=true")
		}
		if strings.TrimSpace(cfg.CaptchaVerifyURL) == "" {
			switch cfg.CaptchaProvider {
			case "turnstile", "":
				cfg.CaptchaVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
			case "hcaptcha":
				cfg.CaptchaVerifyURL = "https://hcaptcha.com/siteverify"
			default:
				return Config{}, fmt.Errorf("unsupported CAPTCHA_PROVIDER: %s", cfg.CaptchaProvider)
			}
		}
	}
	if cfg.LegacyDBDriver != "" {
		switch cfg.LegacyDBDriver {
		case "mysql", "pgx", "postgres":
		default:
			return Config{}, fmt.Errorf("LEGACY_DB_DRIVER must be one of: mysql, pgx, postgres")
		}
		if strings.TrimSpace(cfg.LegacyDBDSN) == "" {
			return Config{}, fmt.Errorf("LEGACY_DB_DSN is required when LEGACY_DB_DRIVER is set")
		}
	}
	return cfg, nil
}

func (c Config) SessionIdleDuration() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c Config) SessionAbsoluteDuration() time.Duration {
	return time.Duration(c.SessionAbsoluteHour) * time.Hour
}

func (c Config) MagicLinkTTL() time.Duration {
	return time.Duration(c.MagicLinkTTLMinutes) * time.Minute
}

func (c Config) RegistrationTokenTTL() time.Duration {
	return time.Duration(c.RegistrationTTLHours) * time.Hour
}

// ResolveCookieSecure decides the Secure flag per request: "always" and
// "never" are fixed, "auto" follows the observed scheme (direct TLS or
// X-Forwarded-Proto when the proxy is trusted).
func (c Config) ResolveCookieSecure(r *http.Request) bool {
	switch c.CookieSecureMode {
	case "always":
		return true
	case "never":
		return false
	}
	if r.TLS != nil {
		return true
	}
	if c.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, "https")
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isLocalListen(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return strings.Contains(a, "127.0.0.1") || strings.Contains(a, "localhost") || strings.Contains(a, "[::1]") || strings.HasPrefix(a, ":")
}
