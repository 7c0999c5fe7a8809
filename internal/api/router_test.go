package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"firehall/internal/auth"
	"firehall/internal/botgate"
	"firehall/internal/captcha"
	"firehall/internal/config"
	"firehall/internal/db"
	"firehall/internal/mailer"
	"firehall/internal/notify"
	"firehall/internal/rate"
	"firehall/internal/service"
	"firehall/internal/store"
)

type captureTransport struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (c *captureTransport) Send(_ context.Context, msg mailer.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureTransport) Probe(context.Context) error { return nil }

func (c *captureTransport) lastTo(t *testing.T, to string) mailer.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		for _, rcpt := range c.sent[i].To {
			if rcpt == to {
				return c.sent[i]
			}
		}
	}
	t.Fatalf("no captured mail to %s (have %d messages)", to, len(c.sent))
	return mailer.Message{}
}

var tokenRx = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)

func extractToken(t *testing.T, msg mailer.Message) string {
	t.Helper()
	m := tokenRx.FindStringSubmatch(msg.Text)
	if m == nil {
		t.Fatalf("no token link in mail body: %q", msg.Text)
	}
	return m[1]
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr:           "127.0.0.1:0",
		BaseURL:              "http://frontend.test",
		SessionCookieName:    "firehall_session",
		SessionIdleMinutes:   60,
		SessionAbsoluteHour:  24,
		CSRFCookieName:       "firehall_csrf",
		CookieSecureMode:     "never",
		FormSealKey:          "test-form-seal-key-0123456789",
		RegisterMinDwellSec:  0,
		MagicLinkMinDwellSec: 0,
		MagicLinkTTLMinutes:  15,
		RegistrationTTLHours: 72,
		LoginAttemptKeepDays: 30,
		PasswordMinLength:    12,
		PasswordMaxLength:    128,
		RegisterMaxPerIP:     100,
		RegisterWindowSec:    3600,
		MagicLinkMaxPerIP:    100,
		MagicLinkMaxPerEmail: 100,
		MagicLinkWindowSec:   900,
		LoginMaxPerEmail:     100,
		LoginWindowSec:       900,
		ContactMinDwellSec:   0,
		ContactMaxPerIP:      100,
		ContactWindowSec:     3600,
		ContactEmail:         "chief@feuerwehr.test",
		MailSender:           "log",
		MailFrom:             "noreply@feuerwehr.test",
		MailFromName:         "Fire Department Test",
		AdminNotifyEmail:     "chief@feuerwehr.test",
	}
}

type testEnv struct {
	ts        *httptest.Server
	client    *http.Client
	st        *store.Store
	transport *captureTransport
	cfg       config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "001_init.sql")); err != nil {
		t.Fatalf("migration: %v", err)
	}
	st := store.New(sqdb)

	transport := &captureTransport{}
	sender := notify.NewSender(cfg, transport)
	gate := botgate.New(cfg.FormSealKey, captcha.NoopVerifier{})
	limiter := rate.NewSlidingLimiter(st)
	svc := service.New(cfg, st, gate, limiter, sender)

	ts := httptest.NewServer(NewRouter(cfg, svc, st, transport))
	t.Cleanup(ts.Close)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return &testEnv{ts: ts, client: client, st: st, transport: transport, cfg: cfg}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, cookies []*http.Cookie, csrf string) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) getJSON(t *testing.T, path string, cookies []*http.Cookie) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) formToken(t *testing.T, form string) string {
	t.Helper()
	resp, body := e.getJSON(t, "/api/v1/forms/"+form, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("form token status=%d", resp.StatusCode)
	}
	token, _ := body["form_token"].(string)
	if token == "" {
		t.Fatalf("empty form token")
	}
	return token
}

func (e *testEnv) loginAdmin(t *testing.T) (cookies []*http.Cookie, csrf string) {
	t.Helper()
	hash, err := auth.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := e.st.EnsureAdmin(context.Background(), "admin@feuerwehr.test", hash); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	resp, body := e.postJSON(t, "/api/v1/login", map[string]string{
		"email":    "admin@feuerwehr.test",
		"password": "correct horse battery staple",
	}, nil, "")
	if resp.StatusCode != 200 {
		t.Fatalf("admin login status=%d body=%v", resp.StatusCode, body)
	}
	csrf, _ = body["csrf_token"].(string)
	return resp.Cookies(), csrf
}

func TestRegistrationApprovalMagicLinkFlow(t *testing.T) {
	e := newTestEnv(t)

	// 1. Public registration.
	resp, body := e.postJSON(t, "/api/v1/register", map[string]string{
		"first_name": "Anna",
		"last_name":  "Schmidt",
		"email":      "anna@example.com",
		"form_token": e.formToken(t, "register"),
	}, nil, "")
	if resp.StatusCode != 201 {
		t.Fatalf("register status=%d body=%v", resp.StatusCode, body)
	}

	// Applicant got a verification mail, the admin address an alert.
	verifyToken := extractToken(t, e.transport.lastTo(t, "anna@example.com"))
	e.transport.lastTo(t, "chief@feuerwehr.test")

	// A second attempt while the first is pending conflicts.
	resp, _ = e.postJSON(t, "/api/v1/register", map[string]string{
		"first_name": "Anna",
		"last_name":  "Schmidt",
		"email":      "anna@example.com",
		"form_token": e.formToken(t, "register"),
	}, nil, "")
	if resp.StatusCode != 409 {
		t.Fatalf("duplicate register status=%d", resp.StatusCode)
	}

	// 2. Email verification, idempotent on repeat.
	for i := 0; i < 2; i++ {
		resp, body = e.getJSON(t, "/verify/registration?token="+verifyToken, nil)
		if resp.StatusCode != 200 {
			t.Fatalf("verify round %d status=%d body=%v", i+1, resp.StatusCode, body)
		}
	}

	// 3. Admin approves.
	cookies, csrf := e.loginAdmin(t)
	resp, body = e.getJSON(t, "/api/v1/admin/registrations?status=pending", cookies)
	if resp.StatusCode != 200 {
		t.Fatalf("list registrations status=%d", resp.StatusCode)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 pending registration, got %d", len(items))
	}
	regID, _ := items[0].(map[string]any)["id"].(string)

	resp, body = e.postJSON(t, "/api/v1/admin/registrations/"+regID+"/approve", nil, cookies, csrf)
	if resp.StatusCode != 200 {
		t.Fatalf("approve status=%d body=%v", resp.StatusCode, body)
	}
	// Approving twice conflicts.
	resp, _ = e.postJSON(t, "/api/v1/admin/registrations/"+regID+"/approve", nil, cookies, csrf)
	if resp.StatusCode != 409 {
		t.Fatalf("second approve status=%d", resp.StatusCode)
	}
	e.transport.lastTo(t, "anna@example.com")

	// 4. Magic link sign-in.
	resp, body = e.postJSON(t, "/api/v1/magiclink", map[string]string{
		"email":      "anna@example.com",
		"form_token": e.formToken(t, "magiclink"),
	}, nil, "")
	if resp.StatusCode != 202 {
		t.Fatalf("magiclink request status=%d body=%v", resp.StatusCode, body)
	}
	linkToken := extractToken(t, e.transport.lastTo(t, "anna@example.com"))

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/verify/magiclink?token="+linkToken, nil)
	redeemResp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	redeemResp.Body.Close()
	if redeemResp.StatusCode != http.StatusSeeOther {
		t.Fatalf("redeem status=%d", redeemResp.StatusCode)
	}
	if loc := redeemResp.Header.Get("Location"); !strings.Contains(loc, "/#/welcome") {
		t.Fatalf("unexpected redirect target: %s", loc)
	}
	var sessionCookie *http.Cookie
	for _, c := range redeemResp.Cookies() {
		if c.Name == e.cfg.SessionCookieName && c.Value != "" {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatalf("no session cookie on redemption")
	}

	resp, body = e.getJSON(t, "/api/v1/me", []*http.Cookie{sessionCookie})
	if resp.StatusCode != 200 {
		t.Fatalf("me status=%d body=%v", resp.StatusCode, body)
	}
	if body["email"] != "anna@example.com" || body["auth_method"] != "magic_link" {
		t.Fatalf("unexpected me payload: %v", body)
	}

	// 5. The link is single-use.
	req, _ = http.NewRequest(http.MethodGet, e.ts.URL+"/verify/magiclink?token="+linkToken, nil)
	replayResp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayResp.Body.Close()
	if replayResp.StatusCode != http.StatusSeeOther {
		t.Fatalf("replay status=%d", replayResp.StatusCode)
	}
	if loc := replayResp.Header.Get("Location"); !strings.Contains(loc, "error=invalid_link") {
		t.Fatalf("replay should land on the failure page, got %s", loc)
	}
	for _, c := range replayResp.Cookies() {
		if c.Name == e.cfg.SessionCookieName && c.Value != "" {
			t.Fatalf("replay must not set a session cookie")
		}
	}
}

func TestMagicLinkResponseDoesNotLeakMembership(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.st.CreateUser(context.Background(), "member@example.com", "Mem Ber", "member", "magic_link", nil, true); err != nil {
		t.Fatalf("create member: %v", err)
	}

	request := func(email string) (int, map[string]any) {
		resp, body := e.postJSON(t, "/api/v1/magiclink", map[string]string{
			"email":      email,
			"form_token": e.formToken(t, "magiclink"),
		}, nil, "")
		return resp.StatusCode, body
	}

	memberStatus, memberBody := request("member@example.com")
	strangerStatus, strangerBody := request("stranger@example.com")
	if memberStatus != strangerStatus {
		t.Fatalf("status differs: member=%d stranger=%d", memberStatus, strangerStatus)
	}
	if fmt.Sprint(memberBody["status"]) != fmt.Sprint(strangerBody["status"]) {
		t.Fatalf("body differs: member=%v stranger=%v", memberBody, strangerBody)
	}

	// Only the real member got mail.
	e.transport.mu.Lock()
	defer e.transport.mu.Unlock()
	for _, msg := range e.transport.sent {
		for _, to := range msg.To {
			if to == "stranger@example.com" {
				t.Fatalf("mail must not be sent to unknown addresses")
			}
		}
	}
}

func TestRegisterHoneypotRejected(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.postJSON(t, "/api/v1/register", map[string]string{
		"first_name": "Spam",
		"last_name":  "Bot",
		"email":      "bot@example.com",
		"homepage":   "http://spam.example",
		"form_token": e.formToken(t, "register"),
	}, nil, "")
	if resp.StatusCode != 400 {
		t.Fatalf("honeypot status=%d body=%v", resp.StatusCode, body)
	}
	if code, _ := body["code"].(string); code != "rejected" {
		t.Fatalf("honeypot failure must stay generic, got code=%q", code)
	}
	if n, err := e.st.ListRegistrations(context.Background(), "pending", 10, 0); err != nil || len(n) != 0 {
		t.Fatalf("bot submission must not be stored, rows=%d err=%v", len(n), err)
	}
}

func TestAdminEndpointsRequireAuthAndCSRF(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.getJSON(t, "/api/v1/admin/registrations", nil)
	if resp.StatusCode != 401 {
		t.Fatalf("anonymous admin list status=%d", resp.StatusCode)
	}

	cookies, _ := e.loginAdmin(t)
	// Missing CSRF header on a state-changing call.
	resp, _ = e.postJSON(t, "/api/v1/admin/registrations/nope/approve", nil, cookies, "")
	if resp.StatusCode != 403 {
		t.Fatalf("missing csrf status=%d", resp.StatusCode)
	}

	// Non-admin sessions are rejected.
	if _, err := e.st.CreateUser(context.Background(), "member@example.com", "Mem Ber", "member", "both", ptr(mustHash(t, "member password 12345")), true); err != nil {
		t.Fatalf("create member: %v", err)
	}
	resp, body := e.postJSON(t, "/api/v1/login", map[string]string{
		"email":    "member@example.com",
		"password": "member password 12345",
	}, nil, "")
	if resp.StatusCode != 200 {
		t.Fatalf("member login status=%d body=%v", resp.StatusCode, body)
	}
	resp, _ = e.getJSON(t, "/api/v1/admin/registrations", resp.Cookies())
	if resp.StatusCode != 403 {
		t.Fatalf("member admin list status=%d", resp.StatusCode)
	}
}

func TestPasswordLoginFailuresAreUniform(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.st.CreateUser(context.Background(), "member@example.com", "Mem Ber", "member", "both", ptr(mustHash(t, "member password 12345")), true); err != nil {
		t.Fatalf("create member: %v", err)
	}

	badPassword, _ := e.postJSON(t, "/api/v1/login", map[string]string{
		"email": "member@example.com", "password": "wrong password here",
	}, nil, "")
	unknownUser, _ := e.postJSON(t, "/api/v1/login", map[string]string{
		"email": "ghost@example.com", "password": "wrong password here",
	}, nil, "")
	if badPassword.StatusCode != 401 || unknownUser.StatusCode != 401 {
		t.Fatalf("statuses: bad=%d unknown=%d", badPassword.StatusCode, unknownUser.StatusCode)
	}
}

func TestContactFormDeliversMail(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.postJSON(t, "/api/v1/contact", map[string]string{
		"name":       "Max Mustermann",
		"email":      "max@example.com",
		"subject":    "Open house",
		"message":    "When is the next open house at the station?",
		"form_token": e.formToken(t, "contact"),
	}, nil, "")
	if resp.StatusCode != 200 {
		t.Fatalf("contact status=%d body=%v", resp.StatusCode, body)
	}

	msg := e.transport.lastTo(t, "chief@feuerwehr.test")
	if msg.ReplyTo != "max@example.com" {
		t.Fatalf("reply-to=%q, want submitter address", msg.ReplyTo)
	}
	if !strings.Contains(msg.Subject, "Open house") {
		t.Fatalf("subject=%q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "open house at the station") {
		t.Fatalf("body missing message text: %q", msg.Text)
	}

	// A token for another form must not pass the gate.
	resp, body = e.postJSON(t, "/api/v1/contact", map[string]string{
		"name":       "Max Mustermann",
		"email":      "max@example.com",
		"message":    "hi",
		"form_token": e.formToken(t, "register"),
	}, nil, "")
	if resp.StatusCode != 400 {
		t.Fatalf("cross-form token status=%d body=%v", resp.StatusCode, body)
	}
	if code, _ := body["code"].(string); code != "rejected" {
		t.Fatalf("cross-form failure must stay generic, got code=%q", code)
	}
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

func ptr(s string) *string { return &s }
