package mimetext

import (
	"strings"
	"testing"
	"time"

	"github.com/mikey/lead-router/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: Buyer <buyer@example.com>\r\n" +
	"To: sales@example.org\r\n" +
	"Subject: =?UTF-8?Q?Need_500_units_=E2=80=93_urgent?=\r\n" +
	"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n" +
	"Message-ID: <abc123@mail.example.com>\r\n" +
	"References: <root@mail.example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"We have budget approved.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>We have <b>budget</b> approved.</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=rfq.pdf\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--outer--\r\n"

func TestParseMultipart(t *testing.T) {
	email, err := Parse([]byte(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "Buyer <buyer@example.com>", email.From)
	assert.Equal(t, "sales@example.org", email.To)
	assert.Equal(t, "Need 500 units – urgent", email.Subject)
	assert.Equal(t, "<abc123@mail.example.com>", email.MessageID)
	assert.Equal(t, "<root@mail.example.com>", email.References)
	assert.Equal(t, "We have budget approved.", email.Body)
	assert.Equal(t, "We have budget approved.", email.Snippet)
	assert.Equal(t, []string{"Mon, 02 Jun 2025 10:00:00 +0000"}, email.Headers["Date"])
}

func TestParseHTMLOnly(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Subject: Hi\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><style>p{}</style><body><p>Hello &amp; welcome</p><br>Bye</body></html>\r\n"

	email, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Hello & welcome\n\nBye", email.Body)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", Snippet("a\n b\t\tc", 10))
	assert.Equal(t, "héll", Snippet("héllo", 4))
}

func TestComposeThreadedReply(t *testing.T) {
	now := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)
	raw, id, err := Compose(&core.OutgoingMessage{
		From:       "sales@example.org",
		To:         "buyer@example.com",
		Subject:    "Re: Need 500 units",
		Body:       "Happy to help.",
		InReplyTo:  "<abc123@mail.example.com>",
		References: "<root@mail.example.com> <abc123@mail.example.com>",
	}, now)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@example.org>"))

	text := string(raw)
	assert.Contains(t, text, "In-Reply-To: <abc123@mail.example.com>")
	assert.Contains(t, text, "References: <root@mail.example.com> <abc123@mail.example.com>")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.MessageID)
	assert.Equal(t, "Re: Need 500 units", parsed.Subject)
	assert.Equal(t, "Happy to help.", parsed.Body)
	assert.Equal(t, "<root@mail.example.com> <abc123@mail.example.com>", parsed.References)
}

func TestComposeRejectsBadRecipient(t *testing.T) {
	_, _, err := Compose(&core.OutgoingMessage{To: "not an address"}, time.Now())
	require.Error(t, err)
}
