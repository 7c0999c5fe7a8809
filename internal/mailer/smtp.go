package mailer

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"firehall/internal/config"
)

// SMTPTransport speaks to the configured submission host, one message per
// session. The session is always torn down, success or failure.
type SMTPTransport struct {
	cfg config.Config
}

func NewSMTPTransport(cfg config.Config) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) timeout() time.Duration {
	return time.Duration(t.cfg.SMTPTimeoutSec) * time.Second
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	raw, err := BuildMIME(msg)
	if err != nil {
		return stageErr(StageBuild, err)
	}

	addr := net.JoinHostPort(t.cfg.SMTPHost, strconv.Itoa(t.cfg.SMTPPort))
	tlsConfig := &tls.Config{ServerName: t.cfg.SMTPHost, InsecureSkipVerify: t.cfg.SMTPInsecureSkipVerify}

	dialer := &net.Dialer{Timeout: t.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return stageErr(StageConnect, err)
	}
	// Bound the whole dialog, not just the dial.
	_ = conn.SetDeadline(time.Now().Add(t.timeout()))

	if t.cfg.SMTPTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, t.cfg.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return stageErr(StageConnect, err)
	}
	defer client.Close()

	if t.cfg.SMTPStartTLS && !t.cfg.SMTPTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return stageErr(StageStartTLS, err)
			}
		}
	}

	if t.cfg.SMTPUsername != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", t.cfg.SMTPUsername, t.cfg.SMTPPassword, t.cfg.SMTPHost)
			if err := client.Auth(auth); err != nil {
				return stageErr(StageAuth, err)
			}
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return stageErr(StageMail, err)
	}
	for _, rcpt := range msg.Recipients() {
		if err := client.Rcpt(rcpt); err != nil {
			return stageErr(StageRcpt, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return stageErr(StageData, err)
	}
	if _, err := wc.Write(raw); err != nil {
		return stageErr(StageData, err)
	}
	if err := wc.Close(); err != nil {
		return stageErr(StageData, err)
	}
	if err := client.Quit(); err != nil {
		return stageErr(StageClose, err)
	}
	return nil
}

// Probe checks reachability and the STARTTLS handshake without sending.
func (t *SMTPTransport) Probe(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.SMTPHost, strconv.Itoa(t.cfg.SMTPPort))
	tlsConfig := &tls.Config{ServerName: t.cfg.SMTPHost, InsecureSkipVerify: t.cfg.SMTPInsecureSkipVerify}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return stageErr(StageConnect, err)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if t.cfg.SMTPTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, t.cfg.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return stageErr(StageConnect, err)
	}
	defer client.Close()

	if t.cfg.SMTPStartTLS && !t.cfg.SMTPTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return stageErr(StageStartTLS, err)
			}
		}
	}
	if err := client.Quit(); err != nil {
		return stageErr(StageClose, err)
	}
	return nil
}
