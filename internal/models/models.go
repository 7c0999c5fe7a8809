package models

import "time"

type AuthMethod string

const (
	AuthMagicLink AuthMethod = "magic_link"
	AuthPassword  AuthMethod = "password"
	AuthBoth      AuthMethod = "both"
)

func (m AuthMethod) AllowsMagicLink() bool { return m == AuthMagicLink || m == AuthBoth }
func (m AuthMethod) AllowsPassword() bool  { return m == AuthPassword || m == AuthBoth }

type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationRejected RegistrationStatus = "rejected"
)

type User struct {
	ID            string
	Email         string
	DisplayName   string
	Role          string
	AuthMethod    AuthMethod
	PasswordHash  *string
	EmailVerified bool
	CreatedAt     time.Time
	LastLoginAt   *time.Time
}

func (u User) IsAdmin() bool { return u.Role == "admin" }

type RegistrationRequest struct {
	ID              string
	Email           string
	FirstName       string
	LastName        string
	TokenHash       string
	Status          RegistrationStatus
	SourceIP        string
	UserAgentHash   string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	DecidedAt       *time.Time
	DecidedBy       *string
	Reason          *string
}

type MagicLink struct {
	ID        string
	UserID    string
	TokenHash string
	IssuedIP  string
	UserAgent string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type LoginAttempt struct {
	ID        string
	Email     string
	IP        string
	Method    AuthMethod
	Success   bool
	CreatedAt time.Time
}

type Session struct {
	ID            string
	UserID        string
	TokenHash     string
	AuthMethod    AuthMethod
	IPHint        string
	UserAgentHash string
	ExpiresAt     time.Time
	IdleExpiresAt time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	RevokedAt     *time.Time
}

type AuditEntry struct {
	ID           string    `json:"id"`
	ActorUserID  string    `json:"actor_user_id"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}
