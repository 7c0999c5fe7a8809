package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"firehall/internal/config"
	"firehall/internal/mailer"
	"firehall/internal/middleware"
	"firehall/internal/models"
	"firehall/internal/rate"
	"firehall/internal/service"
	"firehall/internal/store"
	"firehall/internal/util"
)

type Handlers struct {
	cfg       config.Config
	svc       *service.Service
	st        *store.Store
	transport mailer.Transport
	limiter   *rate.Limiter
}

func NewRouter(cfg config.Config, svc *service.Service, st *store.Store, transport mailer.Transport) http.Handler {
	h := &Handlers{
		cfg:       cfg,
		svc:       svc,
		st:        st,
		transport: transport,
		limiter:   rate.NewLimiter(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)

	r.Get("/verify/registration", h.VerifyRegistration)
	r.Get("/verify/magiclink", h.VerifyMagicLink)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/forms/{form}", h.FormToken)
		r.With(middleware.RateLimit(h.limiter, "register", 10, time.Minute, h.cfg.TrustProxy)).Post("/register", h.Register)
		r.With(middleware.RateLimit(h.limiter, "magiclink", 20, time.Minute, h.cfg.TrustProxy)).Post("/magiclink", h.RequestMagicLink)
		r.With(middleware.RateLimit(h.limiter, "login", 20, time.Minute, h.cfg.TrustProxy)).Post("/login", h.Login)
		r.With(middleware.RateLimit(h.limiter, "contact", 10, time.Minute, h.cfg.TrustProxy)).Post("/contact", h.Contact)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc, h.cfg.SessionCookieName))
			r.Get("/me", h.Me)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminOnly)
				r.Get("/registrations", h.AdminListRegistrations)
				r.Get("/users", h.AdminListUsers)
				r.Get("/login-attempts", h.AdminListLoginAttempts)
				r.Get("/audit-log", h.AdminAuditLog)
				r.Group(func(r chi.Router) {
					r.Use(middleware.CSRFFromCookie(h.cfg.CSRFCookieName))
					r.Post("/registrations/{id}/approve", h.AdminApproveRegistration)
					r.Post("/registrations/{id}/reject", h.AdminRejectRegistration)
				})
			})
		})
	})

	fs := http.FileServer(http.Dir("web"))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/health/") || strings.HasPrefix(p, "/verify/") {
			http.NotFound(w, r)
			return
		}
		if p == "/" {
			http.ServeFile(w, r, filepath.Join("web", "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})

	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": map[string]any{},
	}
	comps := ready["components"].(map[string]any)

	ok := true
	if err := h.st.Ping(r.Context()); err != nil {
		ok = false
		comps["sqlite"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		comps["sqlite"] = map[string]any{"ok": true}
	}
	if err := h.transport.Probe(r.Context()); err != nil {
		ok = false
		comps["smtp"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		comps["smtp"] = map[string]any{"ok": true}
	}

	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, 503, ready)
}

// FormToken hands the frontend the sealed timestamp it must echo back on
// submit. Issued per form so a register token cannot feed the login form.
func (h *Handlers) FormToken(w http.ResponseWriter, r *http.Request) {
	form := chi.URLParam(r, "form")
	switch form {
	case "register", "magiclink", "contact":
	default:
		util.WriteError(w, 404, "not_found", "unknown form", middleware.RequestID(r.Context()))
		return
	}
	token, err := h.svc.IssueFormToken(form)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "could not issue form token", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"form_token": token})
}

type registerRequest struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	Homepage     string `json:"homepage"`
	FormToken    string `json:"form_token"`
	CaptchaToken string `json:"captcha_token"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	err := h.svc.RequestRegistration(r.Context(), service.RegistrationInput{
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		Honeypot:     req.Homepage,
		FormToken:    req.FormToken,
		CaptchaToken: req.CaptchaToken,
		IP:           middleware.ClientIP(r, h.cfg.TrustProxy),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 201, map[string]string{"status": "pending_verification"})
}

type magicLinkRequest struct {
	Email        string `json:"email"`
	Homepage     string `json:"homepage"`
	FormToken    string `json:"form_token"`
	CaptchaToken string `json:"captcha_token"`
}

func (h *Handlers) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	err := h.svc.RequestMagicLink(r.Context(), service.MagicLinkInput{
		Email:        req.Email,
		Honeypot:     req.Homepage,
		FormToken:    req.FormToken,
		CaptchaToken: req.CaptchaToken,
		IP:           middleware.ClientIP(r, h.cfg.TrustProxy),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// Same body whether or not the address belongs to a member.
	util.WriteJSON(w, 202, map[string]string{"status": "accepted"})
}

type contactRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Subject      string `json:"subject"`
	Message      string `json:"message"`
	Homepage     string `json:"homepage"`
	FormToken    string `json:"form_token"`
	CaptchaToken string `json:"captcha_token"`
}

func (h *Handlers) Contact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	err := h.svc.SubmitContact(r.Context(), service.ContactInput{
		Name:         req.Name,
		Email:        req.Email,
		Subject:      req.Subject,
		Message:      req.Message,
		Honeypot:     req.Homepage,
		FormToken:    req.FormToken,
		CaptchaToken: req.CaptchaToken,
		IP:           middleware.ClientIP(r, h.cfg.TrustProxy),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "sent"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	ip := middleware.ClientIP(r, h.cfg.TrustProxy)
	token, user, err := h.svc.PasswordLogin(r.Context(), req.Email, req.Password, ip, r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	csrfToken := randomToken()
	h.setAuthCookies(w, r, token, csrfToken)
	util.WriteJSON(w, 200, map[string]string{
		"user_id": user.ID, "email": user.Email, "display_name": user.DisplayName,
		"role": user.Role, "csrf_token": csrfToken,
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	c, _ := r.Cookie(h.cfg.SessionCookieName)
	if c != nil && c.Value != "" {
		_ = h.svc.Logout(r.Context(), c.Value)
	}
	h.clearAuthCookies(w, r)
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	sess, _ := middleware.Session(r.Context())
	util.WriteJSON(w, 200, map[string]any{
		"user_id":      u.ID,
		"email":        u.Email,
		"display_name": u.DisplayName,
		"role":         u.Role,
		"auth_method":  sess.AuthMethod,
	})
}

// VerifyRegistration lands from the email link. Repeat visits on a verified
// request stay green so double-clicking the mail never shows an error.
func (h *Handlers) VerifyRegistration(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	reg, err := h.svc.VerifyRegistration(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStoreUnavailable):
			util.WriteError(w, 503, "unavailable", "please try again shortly", middleware.RequestID(r.Context()))
		case errors.Is(err, store.ErrTokenExpired):
			util.WriteError(w, 410, "token_expired", "the verification link has expired, please register again", middleware.RequestID(r.Context()))
		default:
			util.WriteError(w, 400, "invalid_token", "the verification link is not valid", middleware.RequestID(r.Context()))
		}
		return
	}
	util.WriteJSON(w, 200, map[string]string{
		"status": "email_verified",
		"email":  reg.Email,
	})
}

// VerifyMagicLink is opened from a mail client's browser, so the response
// is a redirect into the frontend rather than JSON.
func (h *Handlers) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	ip := middleware.ClientIP(r, h.cfg.TrustProxy)
	raw, _, err := h.svc.RedeemMagicLink(r.Context(), token, ip, r.UserAgent())
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			util.WriteError(w, 503, "unavailable", "please try again shortly", middleware.RequestID(r.Context()))
			return
		}
		// One failure page for not-found, expired and replayed links.
		http.Redirect(w, r, h.cfg.BaseURL+"/#/login?error=invalid_link", http.StatusSeeOther)
		return
	}
	csrfToken := randomToken()
	h.setAuthCookies(w, r, raw, csrfToken)
	http.Redirect(w, r, h.cfg.BaseURL+"/#/welcome", http.StatusSeeOther)
}

// --- admin ---

func (h *Handlers) AdminListRegistrations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", string(models.RegistrationPending), string(models.RegistrationApproved), string(models.RegistrationRejected):
	default:
		util.WriteError(w, 400, "bad_request", "invalid status filter", middleware.RequestID(r.Context()))
		return
	}
	limit, offset := pageParams(r)
	items, err := h.svc.ListRegistrations(r.Context(), status, limit, offset)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "could not list registrations", middleware.RequestID(r.Context()))
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, reg := range items {
		out = append(out, map[string]any{
			"id":                reg.ID,
			"email":             reg.Email,
			"first_name":        reg.FirstName,
			"last_name":         reg.LastName,
			"status":            reg.Status,
			"email_verified_at": reg.EmailVerifiedAt,
			"created_at":        reg.CreatedAt,
			"decided_at":        reg.DecidedAt,
			"reason":            reg.Reason,
		})
	}
	util.WriteJSON(w, 200, map[string]any{"items": out})
}

func (h *Handlers) AdminApproveRegistration(w http.ResponseWriter, r *http.Request) {
	admin, _ := middleware.User(r.Context())
	err := h.svc.ApproveRegistration(r.Context(), admin.ID, chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			util.WriteError(w, 404, "not_found", "registration not found", middleware.RequestID(r.Context()))
		case errors.Is(err, store.ErrConflict):
			util.WriteError(w, 409, "conflict", "registration is already decided", middleware.RequestID(r.Context()))
		default:
			h.writeServiceError(w, r, err)
		}
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "approved"})
}

func (h *Handlers) AdminRejectRegistration(w http.ResponseWriter, r *http.Request) {
	admin, _ := middleware.User(r.Context())
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	err := h.svc.RejectRegistration(r.Context(), admin.ID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			util.WriteError(w, 404, "not_found", "registration not found", middleware.RequestID(r.Context()))
		case errors.Is(err, store.ErrConflict):
			util.WriteError(w, 409, "conflict", "registration is already decided", middleware.RequestID(r.Context()))
		default:
			h.writeServiceError(w, r, err)
		}
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "rejected"})
}

func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	users, err := h.svc.ListUsers(r.Context(), limit, offset)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "could not list users", middleware.RequestID(r.Context()))
		return
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"id":             u.ID,
			"email":          u.Email,
			"display_name":   u.DisplayName,
			"role":           u.Role,
			"auth_method":    u.AuthMethod,
			"email_verified": u.EmailVerified,
			"created_at":     u.CreatedAt,
			"last_login_at":  u.LastLoginAt,
		})
	}
	util.WriteJSON(w, 200, map[string]any{"items": out})
}

func (h *Handlers) AdminListLoginAttempts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, err := h.svc.ListLoginAttempts(r.Context(), limit, offset)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "could not list login attempts", middleware.RequestID(r.Context()))
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, a := range items {
		out = append(out, map[string]any{
			"id":         a.ID,
			"email":      a.Email,
			"ip":         a.IP,
			"method":     a.Method,
			"success":    a.Success,
			"created_at": a.CreatedAt,
		})
	}
	util.WriteJSON(w, 200, map[string]any{"items": out})
}

func (h *Handlers) AdminAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, err := h.svc.ListAudit(r.Context(), limit, offset)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "could not list audit log", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items})
}

// writeServiceError maps orchestrator failures onto the response codes and
// the deliberately vague public messages.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	var rl *service.RateLimitedError
	var ve *service.ValidationError
	var me *mailer.Error
	switch {
	case errors.Is(err, service.ErrBotSuspected):
		util.WriteError(w, 400, "rejected", "the request could not be processed, please try again", rid)
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds()+0.5)))
		util.WriteError(w, 429, "rate_limited", "too many requests, please wait before retrying", rid)
	case errors.As(err, &ve):
		util.WriteError(w, 400, "invalid_input", ve.Msg, rid)
	case errors.Is(err, service.ErrDuplicateRegistration):
		util.WriteError(w, 409, "duplicate_registration", service.ErrDuplicateRegistration.Error(), rid)
	case errors.Is(err, service.ErrInvalidCredentials):
		util.WriteError(w, 401, "invalid_credentials", "invalid email or password", rid)
	case errors.Is(err, service.ErrStoreUnavailable):
		util.WriteError(w, 503, "unavailable", "please try again shortly", rid)
	case errors.As(err, &me):
		util.WriteError(w, 502, "mail_unavailable", "the message could not be delivered, please try again later", rid)
	default:
		util.WriteError(w, 500, "internal_error", "unexpected error", rid)
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = queryInt(r.URL.Query(), "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset = queryInt(r.URL.Query(), "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (h *Handlers) setAuthCookies(w http.ResponseWriter, r *http.Request, sessionToken, csrfToken string) {
	secure := h.cfg.ResolveCookieSecure(r)
	maxAge := int(h.cfg.SessionAbsoluteDuration().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (h *Handlers) clearAuthCookies(w http.ResponseWriter, r *http.Request) {
	secure := h.cfg.ResolveCookieSecure(r)
	expiredAt := time.Unix(1, 0).UTC()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
}
