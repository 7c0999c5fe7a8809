package botgate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"firehall/internal/captcha"
	"firehall/internal/util"
)

// ErrBotSuspected is the only failure callers surface to users, regardless
// of which sub-check tripped.
var ErrBotSuspected = errors.New("bot suspected")

// maxFormTokenAge bounds how long a rendered form stays submittable.
const maxFormTokenAge = 2 * time.Hour

// Gate runs the pre-submission checks on public forms: honeypot field,
// minimum dwell time, and (when configured) a third-party challenge.
type Gate struct {
	key     []byte
	captcha captcha.Verifier
	now     func() time.Time
}

func New(sealKey string, v captcha.Verifier) *Gate {
	return &Gate{key: util.Derive32ByteKey(sealKey), captcha: v, now: func() time.Time { return time.Now().UTC() }}
}

type Submission struct {
	Form         string
	Honeypot     string
	FormToken    string
	CaptchaToken string
	RemoteIP     string
	MinDwell     time.Duration
}

// IssueFormToken seals the render timestamp for a named form. The client
// echoes it back on submit so the dwell time can be verified without any
// server-side session state.
func (g *Gate) IssueFormToken(form string) (string, error) {
	payload := form + "|" + strconv.FormatInt(g.now().Unix(), 10)
	return util.Seal(g.key, payload)
}

// Check short-circuits on the first failing sub-check. Every failure maps to
// ErrBotSuspected; the wrapped detail is for logs only.
func (g *Gate) Check(ctx context.Context, sub Submission) error {
	if strings.TrimSpace(sub.Honeypot) != "" {
		return fmt.Errorf("%w: honeypot filled", ErrBotSuspected)
	}
	issued, err := g.openFormToken(sub.Form, sub.FormToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBotSuspected, err)
	}
	age := g.now().Sub(issued)
	if age < sub.MinDwell {
		return fmt.Errorf("%w: submitted after %s, need %s", ErrBotSuspected, age, sub.MinDwell)
	}
	if age > maxFormTokenAge {
		return fmt.Errorf("%w: form token expired", ErrBotSuspected)
	}
	if err := g.captcha.Verify(ctx, sub.CaptchaToken, sub.RemoteIP); err != nil {
		return fmt.Errorf("%w: %v", ErrBotSuspected, err)
	}
	return nil
}

func (g *Gate) openFormToken(form, token string) (time.Time, error) {
	if strings.TrimSpace(token) == "" {
		return time.Time{}, errors.New("missing form token")
	}
	payload, err := util.Open(g.key, token)
	if err != nil {
		return time.Time{}, errors.New("unreadable form token")
	}
	name, rawTS, ok := strings.Cut(payload, "|")
	if !ok || name != form {
		return time.Time{}, errors.New("form token mismatch")
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("malformed form token")
	}
	return time.Unix(ts, 0).UTC(), nil
}
