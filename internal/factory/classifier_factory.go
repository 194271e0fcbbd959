package factory

import (
	"context"
	"fmt"

	"github.com/mikey/lead-router/internal/adapters/agent"
	"github.com/mikey/lead-router/internal/adapters/bedrock"
	"github.com/mikey/lead-router/internal/adapters/gemini"
	"github.com/mikey/lead-router/internal/adapters/openai"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/utils"
	"go.uber.org/zap"
)

// ClassifierFactory creates classifiers
type ClassifierFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewClassifierFactory creates a new classifier factory
func NewClassifierFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *ClassifierFactory {
	return &ClassifierFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateClassifier creates the classifier named by classifier.provider
func (f *ClassifierFactory) CreateClassifier(ctx context.Context) (core.Classifier, error) {
	provider := f.cfg.GetClassifier().Provider
	f.logger.Info("Creating classifier", zap.String("provider", provider))

	switch provider {
	case "agent":
		agentCfg := f.cfg.GetAgent()
		if agentCfg.URL == "" {
			return nil, fmt.Errorf("agent URL is required")
		}
		return agent.NewClient(agentCfg.URL, agentCfg.Timeout, f.logger), nil
	case "bedrock":
		return bedrock.NewFactory(f.cfg, f.logger, f.textProcessor).CreateClassifier(ctx)
	case "gemini":
		c, err := gemini.NewFactory(f.cfg, f.logger, f.textProcessor).CreateClassifier(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		return openai.NewFactory(f.cfg, f.logger, f.textProcessor).CreateClassifier()
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", provider)
	}
}
