package mailer

import "context"

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outbound email. Text is required; HTML is optional and
// sent as a multipart/alternative sibling when present.
type Message struct {
	From        string
	FromName    string
	To          []string
	CC          []string
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Transport delivers a single message per call. Implementations own the
// whole session lifecycle and must tear it down on every path.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Probe(ctx context.Context) error
}
