package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mikey/lead-router/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTruncateTextKeepsRuneBoundary(t *testing.T) {
	tp := NewTextProcessor(zaptest.NewLogger(t))

	assert.Equal(t, "short", tp.TruncateText("short", 100))
	assert.Equal(t, "unlimited", tp.TruncateText("unlimited", 0))

	// "é" is two bytes; cutting at 2 would split it.
	out := tp.TruncateText("aébc", 2)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "a\n[..."))
}

func TestSanitizeUTF8(t *testing.T) {
	tp := NewTextProcessor(zaptest.NewLogger(t))
	assert.Equal(t, "ok", tp.SanitizeUTF8("ok"))
	assert.Equal(t, "ab", tp.SanitizeUTF8("a\xffb"))
	assert.Equal(t, "ab", tp.SanitizeUTF8("a\x00b"))
}

func TestParseLeadVerdict(t *testing.T) {
	v, err := ParseLeadVerdict(`{"is_lead":true,"classification":"Hot","confidence_score":0.9}`)
	require.NoError(t, err)
	assert.True(t, v.IsLead)
	assert.Equal(t, "Hot", v.Classification)

	v, err = ParseLeadVerdict("Sure! Here is the result:\n```json\n{\"is_lead\":false,\"classification\":\"Spam\"}\n```")
	require.NoError(t, err)
	assert.False(t, v.IsLead)

	_, err = ParseLeadVerdict("I cannot help with that")
	require.Error(t, err)
	_, err = ParseLeadVerdict("{not json}")
	require.Error(t, err)
}

func TestVerdictBuilder(t *testing.T) {
	email := &core.Email{From: "Buyer <buyer@example.com>", Subject: "Pricing"}
	b := NewVerdictBuilder("Thanks for reaching out")

	t.Run("hot with draft sends", func(t *testing.T) {
		v, err := ParseLeadVerdict(`{"is_lead":true,"classification":"HOT","confidence_score":1.7,"draft":{"subject":"","body":"Let's talk"}}`)
		require.NoError(t, err)
		cls := b.Build(v, email, "gpt-4")
		assert.Equal(t, core.LabelHot, cls.Label)
		assert.Equal(t, 1.0, cls.Confidence)
		assert.Equal(t, "send_reply", cls.Action)
		assert.Equal(t, "ai_generated", cls.DraftType)
		require.NotNil(t, cls.Draft)
		assert.Equal(t, "Re: Pricing", cls.Draft.Subject)
		assert.Equal(t, email.From, cls.Draft.To)
		assert.Equal(t, "gpt-4", cls.ModelUsed)
	})

	t.Run("cold without draft uses template", func(t *testing.T) {
		cls := b.Build(&LeadVerdict{IsLead: true, Classification: "Cold"}, &core.Email{From: "x@example.com", Subject: "RE: hello"}, "m")
		require.NotNil(t, cls.Draft)
		assert.Equal(t, "template", cls.DraftType)
		assert.Equal(t, "RE: hello", cls.Draft.Subject)
		assert.Equal(t, "Thanks for reaching out", cls.Draft.Body)
		assert.Equal(t, "queue_for_review", cls.Action)
	})

	t.Run("not a lead is discarded", func(t *testing.T) {
		cls := b.Build(&LeadVerdict{Classification: "Cold"}, email, "m")
		assert.Nil(t, cls.Draft)
		assert.Equal(t, "discard", cls.Action)
	})

	t.Run("missing label", func(t *testing.T) {
		assert.Equal(t, core.LabelSpam, b.Build(&LeadVerdict{}, email, "m").Label)
		assert.Equal(t, core.LabelCold, b.Build(&LeadVerdict{IsLead: true}, email, "m").Label)
	})
}
