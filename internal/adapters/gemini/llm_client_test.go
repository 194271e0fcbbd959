package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubModel struct {
	resp   *genai.GenerateContentResponse
	err    error
	prompt string
}

func (s *stubModel) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	if len(parts) > 0 {
		if text, ok := parts[0].(genai.Text); ok {
			s.prompt = string(text)
		}
	}
	return s.resp, s.err
}

func reply(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
	}
}

func TestClassifyJoinsTextParts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	model := &stubModel{resp: reply(
		genai.Text(`{"is_lead":true,"classification":"Cold",`),
		genai.Text(`"confidence_score":0.4}`),
	)}
	c := newClassifier(model, "gemini-pro", 0, "We'd love to hear more", logger, utils.NewTextProcessor(logger))

	cls, err := c.Classify(context.Background(), &core.Email{ID: "m1", From: "a@example.com", Subject: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, core.LabelCold, cls.Label)
	assert.Equal(t, "gemini-pro", cls.ModelUsed)
	require.NotNil(t, cls.Draft)
	assert.Equal(t, "template", cls.DraftType)
	assert.Equal(t, "Re: Hi", cls.Draft.Subject)
	assert.Contains(t, model.prompt, "Subject: Hi")
}

func TestClassifyErrors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tp := utils.NewTextProcessor(logger)

	c := newClassifier(&stubModel{err: errors.New("quota")}, "m", 0, "", logger, tp)
	_, err := c.Classify(context.Background(), &core.Email{})
	require.ErrorIs(t, err, core.ErrTransientUpstream)

	c = newClassifier(&stubModel{resp: &genai.GenerateContentResponse{}}, "m", 0, "", logger, tp)
	_, err = c.Classify(context.Background(), &core.Email{})
	require.Error(t, err)

	c = newClassifier(&stubModel{resp: reply(genai.Text("nothing useful"))}, "m", 0, "", logger, tp)
	_, err = c.Classify(context.Background(), &core.Email{})
	require.Error(t, err)
}
