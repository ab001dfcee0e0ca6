// Package mime parses and builds the RFC 5322 messages exchanged with
// providers that speak raw MIME.
package mime

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/Martian-dev/mailsync/internal/model"
)

// CorrelationHeader links a server draft to the local draft it was created from
const CorrelationHeader = "X-Mailsync-Draft-Id"

// Headers is the envelope information kept for a mail copy
type Headers struct {
	MessageID     string
	InReplyTo     string
	References    []string
	Subject       string
	From          string
	Date          time.Time
	CorrelationID string
}

// ParseHeaders reads a header block, or a full message whose body is ignored.
// Malformed fields fall back to their raw values.
func ParseHeaders(r io.Reader) (Headers, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return Headers{}, fmt.Errorf("read header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var out Headers
	out.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	out.References, _ = h.MsgIDList("References")

	out.Subject, err = h.Subject()
	if err != nil {
		out.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = formatAddress(from[0])
	} else {
		out.From = h.Get("From")
	}

	out.Date, _ = h.Date()
	out.CorrelationID = strings.TrimSpace(h.Get(CorrelationHeader))
	return out, nil
}

// Apply copies the parsed envelope onto a mail copy. Every message id is
// stored in its bracketed form. Subject and sender already set from provider
// metadata are kept when the headers lack them.
func (h Headers) Apply(c *model.MailCopy) {
	c.MessageID = FormatReferences([]string{h.MessageID})
	c.InReplyTo = FormatReferences([]string{h.InReplyTo})
	c.References = FormatReferences(h.References)
	if h.Subject != "" {
		c.Subject = h.Subject
	}
	if h.From != "" {
		c.Sender = h.From
	}
	c.DraftCorrelationID = h.CorrelationID
	if !h.Date.IsZero() && c.ReceivedAt == 0 {
		c.ReceivedAt = h.Date.Unix()
	}
}

// FormatReferences renders message ids the way a References field lists them
func FormatReferences(ids []string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.Trim(id, "<> ")
		if id != "" {
			parts = append(parts, "<"+id+">")
		}
	}
	return strings.Join(parts, " ")
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// BuildDraft renders a plain-text draft carrying the correlation header
func BuildDraft(d model.Draft, correlationID string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(d.Subject)

	if d.From != "" {
		from, err := mail.ParseAddress(d.From)
		if err != nil {
			return nil, fmt.Errorf("parse from: %w", err)
		}
		h.SetAddressList("From", []*mail.Address{from})
	}
	for key, list := range map[string][]string{"To": d.To, "Cc": d.Cc} {
		addrs, err := parseAddresses(list)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		h.SetAddressList(key, addrs)
	}

	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(d.InReplyTo, "<>")})
	}
	if len(d.References) > 0 {
		refs := make([]string, len(d.References))
		for i, r := range d.References {
			refs[i] = strings.Trim(r, "<>")
		}
		h.SetMsgIDList("References", refs)
	}
	if correlationID != "" {
		h.Set(CorrelationHeader, correlationID)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.WriteString(w, d.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseAddresses(list []string) ([]*mail.Address, error) {
	var addrs []*mail.Address
	for _, s := range list {
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
