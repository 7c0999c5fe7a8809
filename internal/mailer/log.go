package mailer

import (
	"context"
	"log"
	"strings"
)

// LogTransport is the development transport: it prints instead of sending.
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, msg Message) error {
	_ = ctx
	log.Printf("mail (not sent) to=%s subject=%q body=%q",
		strings.Join(msg.To, ","), msg.Subject, firstLine(msg.Text))
	return nil
}

func (LogTransport) Probe(ctx context.Context) error { return nil }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
