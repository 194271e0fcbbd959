package gemini

import (
	"context"
	"fmt"

	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/utils"
	"go.uber.org/zap"
)

// Factory creates new instances of GeminiClassifier
type Factory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewFactory creates a new factory for GeminiClassifier instances
func NewFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *Factory {
	return &Factory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateClassifier creates a new GeminiClassifier
func (f *Factory) CreateClassifier(ctx context.Context) (*GeminiClassifier, error) {
	geminiCfg := f.cfg.GetGemini()
	if geminiCfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	return NewGeminiClassifier(
		ctx,
		geminiCfg.APIKey,
		geminiCfg.ModelName,
		geminiCfg.MaxTokens,
		geminiCfg.Temperature,
		geminiCfg.TopP,
		geminiCfg.MaxBodySize,
		f.cfg.GetClassifier().ColdTemplate,
		f.logger,
		f.textProcessor,
	)
}
