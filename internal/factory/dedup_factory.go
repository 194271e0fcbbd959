package factory

import (
	"context"
	"fmt"

	"github.com/mikey/lead-router/internal/adapters/cache"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// DedupCache is a delivery dedup window that must be stopped on shutdown
type DedupCache interface {
	core.DedupCache
	Stop()
}

// DedupFactory creates delivery dedup windows based on configuration
type DedupFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewDedupFactory creates a new dedup factory
func NewDedupFactory(cfg *config.Config, logger *zap.Logger) *DedupFactory {
	return &DedupFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateDedupCache creates the configured dedup window. It returns nil
// when dedup is disabled.
func (f *DedupFactory) CreateDedupCache(ctx context.Context) (DedupCache, error) {
	dedupCfg := f.cfg.GetDedup()
	if !dedupCfg.Enabled {
		f.logger.Info("Delivery dedup disabled")
		return nil, nil
	}

	switch dedupCfg.Type {
	case "memory":
		return cache.NewMemoryCache(f.logger, dedupCfg.TTL, dedupCfg.CleanupFrequency), nil
	case "redis":
		c, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     dedupCfg.RedisAddr,
			Password: dedupCfg.RedisPassword,
			DB:       dedupCfg.RedisDB,
			Prefix:   dedupCfg.KeyPrefix,
			TTL:      dedupCfg.TTL,
		}, f.logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported dedup type: %s", dedupCfg.Type)
	}
}
