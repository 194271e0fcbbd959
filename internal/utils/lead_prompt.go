package utils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/lead-router/internal/core"
)

// LeadSystemPrompt is the instruction sent ahead of every message
const LeadSystemPrompt = "You are a sales assistant triaging an inbox. Respond only with JSON."

const leadPromptFormat = `Classify the following email as a sales lead.
Respond with a JSON object containing:
- is_lead: boolean (true if the sender is a potential customer or business opportunity)
- classification: one of "Hot", "Warm", "Cold" or "Spam"
  Hot: clear buying intent, budget or urgency
  Warm: interested and asking questions, no commitment yet
  Cold: vague or early interest
  Spam: marketing, newsletters, automated or irrelevant mail
- confidence_score: number between 0 and 1
- strategy: string (how to follow up)
- reasoning: string (brief explanation)
- draft: object with "subject" and "body" for a reply to send, or null when no reply should be drafted

Email:
From: %s
To: %s
Subject: %s
Date: %s
Body:
%s

Respond only with the JSON object and nothing else.`

// LeadPrompt formats the classification prompt. body should already be
// truncated.
func LeadPrompt(email *core.Email, body string) string {
	return fmt.Sprintf(leadPromptFormat, email.From, email.To, email.Subject, email.Date, body)
}

// LeadVerdict is the JSON object the models are asked to produce
type LeadVerdict struct {
	IsLead          bool    `json:"is_lead"`
	Classification  string  `json:"classification"`
	ConfidenceScore float64 `json:"confidence_score"`
	Strategy        string  `json:"strategy"`
	Reasoning       string  `json:"reasoning"`
	Draft           *struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	} `json:"draft"`
}

// ParseLeadVerdict decodes a model reply, tolerating prose around the
// JSON object
func ParseLeadVerdict(text string) (*LeadVerdict, error) {
	var verdict LeadVerdict
	err := json.Unmarshal([]byte(text), &verdict)
	if err == nil {
		return &verdict, nil
	}
	obj, ok := ExtractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("failed to extract JSON from LLM response: %w", err)
	}
	if err := json.Unmarshal([]byte(obj), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse LLM response as JSON: %w", err)
	}
	return &verdict, nil
}

// VerdictBuilder turns model verdicts into classifications
type VerdictBuilder struct {
	ColdTemplate string
	now          func() time.Time
}

// NewVerdictBuilder creates a builder that fills cold leads without a
// model draft from coldTemplate
func NewVerdictBuilder(coldTemplate string) *VerdictBuilder {
	return &VerdictBuilder{ColdTemplate: coldTemplate, now: time.Now}
}

// Build converts v into a normalized classification of email
func (b *VerdictBuilder) Build(v *LeadVerdict, email *core.Email, model string) *core.Classification {
	cls := &core.Classification{
		IsLead:       v.IsLead,
		Label:        core.ParseLabel(v.Classification),
		Confidence:   v.ConfidenceScore,
		Reasoning:    v.Reasoning,
		Strategy:     v.Strategy,
		ModelUsed:    model,
		ClassifiedAt: b.now(),
	}
	if cls.Label == "" {
		if cls.IsLead {
			cls.Label = core.LabelCold
		} else {
			cls.Label = core.LabelSpam
		}
	}

	if v.Draft != nil && strings.TrimSpace(v.Draft.Body) != "" {
		cls.Draft = &core.Draft{To: email.From, Subject: v.Draft.Subject, Body: v.Draft.Body}
		cls.DraftType = "ai_generated"
	} else if cls.IsLead && cls.Label == core.LabelCold && b.ColdTemplate != "" {
		cls.Draft = &core.Draft{To: email.From, Subject: ReplySubject(email.Subject), Body: b.ColdTemplate}
		cls.DraftType = "template"
	}
	if cls.Draft != nil && cls.Draft.Subject == "" {
		cls.Draft.Subject = ReplySubject(email.Subject)
	}

	switch {
	case !cls.IsLead || cls.Label == core.LabelSpam:
		cls.Action = "discard"
	case cls.Label == core.LabelHot && cls.Draft != nil:
		cls.Action = "send_reply"
	default:
		cls.Action = "queue_for_review"
	}

	cls.Normalize()
	return cls
}

// ReplySubject prefixes subject with "Re: " unless it already has one
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
