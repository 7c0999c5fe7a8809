package mailer

import (
	"bytes"
	"io"
	"strings"
	"testing"

	gomail "github.com/emersion/go-message/mail"
)

func TestBuildMIMEMultipart(t *testing.T) {
	raw, err := BuildMIME(Message{
		From:     "noreply@example.com",
		FromName: "Fire Department",
		To:       []string{"member@example.com"},
		Subject:  "Your sign-in link",
		Text:     "plain body with a link",
		HTML:     "<p>html body</p>",
		Attachments: []Attachment{
			{Filename: "rules.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 fake")},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse generated message: %v", err)
	}
	if got, err := mr.Header.Subject(); err != nil || got != "Your sign-in link" {
		t.Fatalf("subject=%q err=%v", got, err)
	}
	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Address != "noreply@example.com" || from[0].Name != "Fire Department" {
		t.Fatalf("unexpected From: %+v err=%v", from, err)
	}

	var sawText, sawHTML, sawAttachment bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		body, _ := io.ReadAll(p.Body)
		switch h := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch ct {
			case "text/plain":
				sawText = strings.Contains(string(body), "plain body with a link")
			case "text/html":
				sawHTML = strings.Contains(string(body), "html body")
			}
		case *gomail.AttachmentHeader:
			name, _ := h.Filename()
			if name == "rules.pdf" && bytes.Contains(body, []byte("%PDF-1.4")) {
				sawAttachment = true
			}
		}
	}
	if !sawText || !sawHTML || !sawAttachment {
		t.Fatalf("missing parts text=%v html=%v attachment=%v", sawText, sawHTML, sawAttachment)
	}
}

func TestBuildMIMERequiresRecipientAndSender(t *testing.T) {
	if _, err := BuildMIME(Message{From: "a@example.com", Text: "x"}); err == nil {
		t.Fatalf("missing recipient should fail")
	}
	if _, err := BuildMIME(Message{To: []string{"b@example.com"}, Text: "x"}); err == nil {
		t.Fatalf("missing sender should fail")
	}
}

func TestRecipientsIncludesCC(t *testing.T) {
	m := Message{To: []string{"a@example.com", " "}, CC: []string{"b@example.com"}}
	got := m.Recipients()
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "b@example.com" {
		t.Fatalf("unexpected recipients: %v", got)
	}
}
