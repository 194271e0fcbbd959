package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// analyzeRequest is the body of POST /analyze
type analyzeRequest struct {
	EmailSender  string `json:"email_sender"`
	EmailSubject string `json:"email_subject"`
	EmailBody    string `json:"email_body"`
	EmailID      string `json:"email_id"`
	ThreadID     string `json:"thread_id"`
}

type analyzeResponse struct {
	Success     bool        `json:"success"`
	Action      string      `json:"action"`
	FinalAction string      `json:"final_action"`
	Draft       *core.Draft `json:"draft"`
	DraftType   string      `json:"draft_type"`
	Analysis    struct {
		IsLead         bool     `json:"is_lead"`
		Classification string   `json:"classification"`
		Confidence     *float64 `json:"confidence"`
		Reasoning      string   `json:"reasoning"`
	} `json:"analysis"`
}

// Client classifies messages through the external agent service
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an agent client. timeout bounds one analysis.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Classify posts email to the agent and converts its analysis
func (c *Client) Classify(ctx context.Context, email *core.Email) (*core.Classification, error) {
	payload, err := json.Marshal(analyzeRequest{
		EmailSender:  email.From,
		EmailSubject: email.Subject,
		EmailBody:    email.Body,
		EmailID:      email.ID,
		ThreadID:     email.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Upstream("agent analyze", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, core.Upstream("agent analyze", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.Upstream("agent analyze",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out analyzeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	if !out.Success {
		return &core.Classification{Label: core.LabelError, Reasoning: "agent reported failure"}, nil
	}

	cls := &core.Classification{
		IsLead:       out.Analysis.IsLead,
		Label:        core.Label(out.Analysis.Classification),
		Reasoning:    out.Analysis.Reasoning,
		Action:       out.FinalAction,
		DraftType:    out.DraftType,
		Draft:        out.Draft,
		ModelUsed:    "agent",
		ClassifiedAt: time.Now(),
	}
	if cls.Action == "" {
		cls.Action = out.Action
	}
	if out.Analysis.Confidence != nil {
		cls.Confidence = *out.Analysis.Confidence
	}
	cls.Normalize()

	c.logger.Debug("Agent classification",
		zap.String("message_id", email.ID),
		zap.String("classification", string(cls.Label)),
		zap.String("action", cls.Action),
		zap.Duration("elapsed", time.Since(start)))
	return cls, nil
}
