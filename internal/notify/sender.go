package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"firehall/internal/config"
	"firehall/internal/mailer"
)

// Sender composes the outbound mail catalogue on top of a transport.
type Sender struct {
	cfg       config.Config
	transport mailer.Transport
}

func NewSender(cfg config.Config, transport mailer.Transport) *Sender {
	return &Sender{cfg: cfg, transport: transport}
}

func (s *Sender) send(ctx context.Context, to, subject, text, html string) error {
	msg := mailer.Message{
		From:     s.cfg.MailFrom,
		FromName: s.cfg.MailFromName,
		To:       []string{to},
		ReplyTo:  s.cfg.MailReplyTo,
		Subject:  subject,
		Text:     text,
		HTML:     html,
	}
	return s.transport.Send(ctx, msg)
}

func (s *Sender) link(path, token string) string {
	return s.cfg.BaseURL + path + "?token=" + url.QueryEscape(token)
}

// SendRegistrationVerification mails the applicant the link that confirms
// their address. The raw token appears only here.
func (s *Sender) SendRegistrationVerification(ctx context.Context, to, firstName, token string, ttlHours int) error {
	link := s.link("/verify/registration", token)
	text := fmt.Sprintf(
		"Hello %s,\n\n"+
			"someone (hopefully you) asked to join the %s member area with this\n"+
			"email address. To confirm the address, open:\n\n%s\n\n"+
			"The link is valid for %d hours. After that, an administrator still has\n"+
			"to approve the registration before you can sign in.\n\n"+
			"If you did not request this, you can ignore this email.\n",
		firstName, s.cfg.MailFromName, link, ttlHours)
	html := fmt.Sprintf(
		"<p>Hello %s,</p><p>someone (hopefully you) asked to join the %s member area with this email address.</p>"+
			"<p><a href=%q>Confirm email address</a></p>"+
			"<p>The link is valid for %d hours. After that, an administrator still has to approve the registration before you can sign in.</p>"+
			"<p>If you did not request this, you can ignore this email.</p>",
		htmlEscape(firstName), htmlEscape(s.cfg.MailFromName), link, ttlHours)
	return s.send(ctx, to, "Confirm your email address", text, html)
}

// SendAdminNewRegistration alerts the configured admin address that a
// registration awaits review. No-op when no address is configured.
func (s *Sender) SendAdminNewRegistration(ctx context.Context, applicantEmail, displayName string) error {
	if strings.TrimSpace(s.cfg.AdminNotifyEmail) == "" {
		return nil
	}
	text := fmt.Sprintf(
		"A new registration is waiting for review.\n\nName:  %s\nEmail: %s\n\n"+
			"Review it in the admin area: %s/#/admin/registrations\n",
		displayName, applicantEmail, s.cfg.BaseURL)
	return s.send(ctx, s.cfg.AdminNotifyEmail, "New registration: "+applicantEmail, text, "")
}

// SendMagicLink mails a sign-in link. The raw token appears only here.
func (s *Sender) SendMagicLink(ctx context.Context, to, firstName, token string, ttlMinutes int) error {
	link := s.link("/verify/magiclink", token)
	text := fmt.Sprintf(
		"Hello %s,\n\n"+
			"use this link to sign in:\n\n%s\n\n"+
			"It works once and expires in %d minutes.\n\n"+
			"If you did not request it, you can ignore this email; nobody can sign\n"+
			"in without access to this mailbox.\n",
		firstName, link, ttlMinutes)
	html := fmt.Sprintf(
		"<p>Hello %s,</p><p><a href=%q>Sign in</a></p>"+
			"<p>The link works once and expires in %d minutes.</p>"+
			"<p>If you did not request it, you can ignore this email.</p>",
		htmlEscape(firstName), link, ttlMinutes)
	return s.send(ctx, to, "Your sign-in link", text, html)
}

// SendRegistrationApproved tells the applicant they can sign in now.
func (s *Sender) SendRegistrationApproved(ctx context.Context, to, firstName string) error {
	text := fmt.Sprintf(
		"Hello %s,\n\n"+
			"your registration was approved. You can now sign in at\n\n%s\n\n"+
			"by requesting a sign-in link with this email address.\n",
		firstName, s.cfg.BaseURL)
	return s.send(ctx, to, "Registration approved", text, "")
}

// SendRegistrationRejected tells the applicant the request was declined.
func (s *Sender) SendRegistrationRejected(ctx context.Context, to, firstName, reason string) error {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Hello %s,\n\nyour registration was not approved.\n", firstName)
	if strings.TrimSpace(reason) != "" {
		fmt.Fprintf(b, "\nReason: %s\n", reason)
	}
	b.WriteString("\nIf you believe this is a mistake, please contact the department directly.\n")
	return s.send(ctx, to, "Registration declined", b.String(), "")
}

// SendContactMessage relays a public contact-form submission to the
// department address, with Reply-To set to the submitter so a plain reply
// reaches them.
func (s *Sender) SendContactMessage(ctx context.Context, name, fromEmail, subject, message string) error {
	if strings.TrimSpace(s.cfg.ContactEmail) == "" {
		return fmt.Errorf("no contact address configured")
	}
	if strings.TrimSpace(subject) == "" {
		subject = "Contact form message"
	}
	text := fmt.Sprintf("From: %s <%s>\n\n%s\n", name, fromEmail, message)
	msg := mailer.Message{
		From:     s.cfg.MailFrom,
		FromName: s.cfg.MailFromName,
		To:       []string{s.cfg.ContactEmail},
		ReplyTo:  fromEmail,
		Subject:  "[Contact] " + subject,
		Text:     text,
	}
	return s.transport.Send(ctx, msg)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
