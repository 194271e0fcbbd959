package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// generator is the part of *genai.GenerativeModel used here
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiClassifier classifies leads with a Google Gemini model
type GeminiClassifier struct {
	client        *genai.Client
	model         generator
	modelName     string
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
	verdicts      *utils.VerdictBuilder
}

// NewGeminiClassifier creates a new Gemini classifier
func NewGeminiClassifier(
	ctx context.Context,
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	coldTemplate string,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) (*GeminiClassifier, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(temperature)
	model.SetTopP(topP)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(utils.LeadSystemPrompt))

	c := newClassifier(model, modelName, maxBodySize, coldTemplate, logger, textProcessor)
	c.client = client
	return c, nil
}

func newClassifier(model generator, modelName string, maxBodySize int, coldTemplate string, logger *zap.Logger, tp *utils.TextProcessor) *GeminiClassifier {
	return &GeminiClassifier{
		model:         model,
		modelName:     modelName,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: tp,
		verdicts:      utils.NewVerdictBuilder(coldTemplate),
	}
}

// Close closes the Gemini client
func (c *GeminiClassifier) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Classify asks the model for a lead verdict on email
func (c *GeminiClassifier) Classify(ctx context.Context, email *core.Email) (*core.Classification, error) {
	body := c.textProcessor.ProcessText(email.Body, c.maxBodySize)

	resp, err := c.model.GenerateContent(ctx, genai.Text(utils.LeadPrompt(email, body)))
	if err != nil {
		return nil, core.Upstream("gemini generate content", err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, errors.New("empty response from Gemini")
	}

	verdict, err := utils.ParseLeadVerdict(text)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	cls := c.verdicts.Build(verdict, email, c.modelName)
	c.logger.Debug("Gemini classification",
		zap.String("message_id", email.ID),
		zap.String("classification", string(cls.Label)))
	return cls, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
