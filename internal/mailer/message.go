package mailer

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// BuildMIME renders a Message into RFC 5322 wire form. Header encoding,
// line wrapping, quoted-printable bodies and base64 attachment parts are
// all handled by go-message.
func BuildMIME(msg Message) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if strings.TrimSpace(msg.From) == "" {
		return nil, fmt.Errorf("sender address is required")
	}

	var h gomail.Header
	h.SetDate(time.Now().UTC())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*gomail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("To", plainAddresses(msg.To))
	if len(msg.CC) > 0 {
		h.SetAddressList("Cc", plainAddresses(msg.CC))
	}
	if strings.TrimSpace(msg.ReplyTo) != "" {
		h.SetAddressList("Reply-To", []*gomail.Address{{Address: msg.ReplyTo}})
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	if err := writeBodies(mw, msg); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		var ah gomail.AttachmentHeader
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.Set("Content-Transfer-Encoding", "base64")
		ah.SetFilename(a.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(a.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBodies(mw *gomail.Writer, msg Message) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return err
	}
	if err := writeInlinePart(iw, "text/plain; charset=utf-8", msg.Text); err != nil {
		return err
	}
	if strings.TrimSpace(msg.HTML) != "" {
		if err := writeInlinePart(iw, "text/html; charset=utf-8", msg.HTML); err != nil {
			return err
		}
	}
	return iw.Close()
}

func writeInlinePart(iw *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.Set("Content-Type", contentType)
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := iw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func plainAddresses(in []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = append(out, &gomail.Address{Address: a})
	}
	return out
}

// Recipients returns the full envelope recipient list (To plus CC).
func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.CC))
	for _, r := range append(append([]string{}, m.To...), m.CC...) {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
