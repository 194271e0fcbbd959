// Package mimetext converts between RFC 5322 messages and the mail types
// used by the lead pipeline.
package mimetext

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/mikey/lead-router/internal/core"
)

var (
	tagPattern   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	blankPattern = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// Parse reads a raw message into an Email. The body is the first
// text/plain part, or the first text/html part reduced to text.
func Parse(raw []byte) (*core.Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	email := &core.Email{Headers: make(map[string][]string)}
	fields := mr.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		email.Headers[key] = append(email.Headers[key], value)
	}

	email.From = firstHeader(email.Headers, "From")
	email.To = firstHeader(email.Headers, "To")
	email.Date = firstHeader(email.Headers, "Date")
	if subject, err := mr.Header.Subject(); err == nil {
		email.Subject = subject
	}
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		email.MessageID = "<" + id + ">"
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		email.References = joinMsgIDs(refs)
	}

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if textBody == "" && htmlBody == "" {
				return nil, fmt.Errorf("failed to read message part: %w", err)
			}
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case contentType == "text/plain" && textBody == "":
			textBody = string(body)
		case contentType == "text/html" && htmlBody == "":
			htmlBody = string(body)
		}
	}

	switch {
	case textBody != "":
		email.Body = strings.TrimSpace(textBody)
	case htmlBody != "":
		email.Body = HTMLToText(htmlBody)
	}
	email.Snippet = Snippet(email.Body, 200)
	return email, nil
}

// HTMLToText strips markup from an HTML body
func HTMLToText(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n", "</div>", "\n").Replace(s)
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Snippet returns the first n runes of body on a single line
func Snippet(body string, n int) string {
	flat := strings.Join(strings.Fields(body), " ")
	runes := []rune(flat)
	if len(runes) <= n {
		return flat
	}
	return string(runes[:n])
}

// Compose renders msg as a plain text RFC 5322 message. It returns the
// message bytes and the generated Message-ID.
func Compose(msg *core.OutgoingMessage, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(msg.Subject)

	from, err := parseAddressList(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid From address %q: %w", msg.From, err)
	}
	to, err := parseAddressList(msg.To)
	if err != nil {
		return nil, "", fmt.Errorf("invalid To address %q: %w", msg.To, err)
	}
	if len(from) > 0 {
		h.SetAddressList("From", from)
	}
	h.SetAddressList("To", to)

	messageID := uuid.NewString() + "@" + domainOf(msg.From)
	h.SetMessageID(messageID)
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", splitMsgIDs(msg.InReplyTo))
	}
	if msg.References != "" {
		h.SetMsgIDList("References", splitMsgIDs(msg.References))
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, "", fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), "<" + messageID + ">", nil
}

func parseAddressList(s string) ([]*mail.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return mail.ParseAddressList(s)
}

func domainOf(addr string) string {
	bare := core.BareAddress(addr)
	if at := strings.LastIndex(bare, "@"); at >= 0 && at < len(bare)-1 {
		return bare[at+1:]
	}
	return "lead-router.local"
}

func splitMsgIDs(s string) []string {
	var ids []string
	for _, f := range strings.Fields(s) {
		if id := strings.Trim(f, "<>,"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func joinMsgIDs(ids []string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "<" + id + ">"
	}
	return strings.Join(out, " ")
}

func firstHeader(headers map[string][]string, key string) string {
	if v := headers[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
