package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/utils"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClassifier classifies leads with an OpenAI chat model
type OpenAIClassifier struct {
	client        *openai.Client
	modelName     string
	maxTokens     int
	temperature   float32
	topP          float32
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
	verdicts      *utils.VerdictBuilder
}

// NewOpenAIClassifier creates a new OpenAI classifier
func NewOpenAIClassifier(
	client *openai.Client,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	coldTemplate string,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *OpenAIClassifier {
	return &OpenAIClassifier{
		client:        client,
		modelName:     modelName,
		maxTokens:     maxTokens,
		temperature:   temperature,
		topP:          topP,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
		verdicts:      utils.NewVerdictBuilder(coldTemplate),
	}
}

// Classify asks the model for a lead verdict on email
func (c *OpenAIClassifier) Classify(ctx context.Context, email *core.Email) (*core.Classification, error) {
	body := c.textProcessor.ProcessText(email.Body, c.maxBodySize)

	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: utils.LeadSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: utils.LeadPrompt(email, body),
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, core.Upstream("openai chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty response from OpenAI")
	}

	verdict, err := utils.ParseLeadVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	cls := c.verdicts.Build(verdict, email, c.modelName)
	c.logger.Debug("OpenAI classification",
		zap.String("message_id", email.ID),
		zap.String("response_id", resp.ID),
		zap.String("classification", string(cls.Label)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return cls, nil
}
