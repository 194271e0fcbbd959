package factory

import (
	"context"
	"fmt"

	"github.com/mikey/lead-router/internal/adapters/transport/natsjs"
	"github.com/mikey/lead-router/internal/adapters/transport/pubsub"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// Transport is a notification source. Exactly one of Pull and Stream is
// set, depending on transport.mode.
type Transport struct {
	Pull   core.PullTransport
	Stream core.StreamTransport
	// DeadLetters is an extra dead-letter sink offered by the transport
	DeadLetters core.DeadLetterSink

	close func() error
}

// Close releases the transport connection
func (t *Transport) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// TransportFactory creates notification transports based on configuration
type TransportFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewTransportFactory creates a new transport factory
func NewTransportFactory(cfg *config.Config, logger *zap.Logger) *TransportFactory {
	return &TransportFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTransport connects the configured transport
func (f *TransportFactory) CreateTransport(ctx context.Context) (*Transport, error) {
	transportCfg := f.cfg.GetTransport()
	if transportCfg.Mode != "pull" && transportCfg.Mode != "stream" {
		return nil, fmt.Errorf("unsupported transport mode: %s", transportCfg.Mode)
	}

	var (
		pull   core.PullTransport
		stream core.StreamTransport
		out    = &Transport{}
	)
	switch transportCfg.Type {
	case "pubsub":
		t, err := pubsub.New(ctx, f.cfg.GetPubSub(), f.logger)
		if err != nil {
			return nil, err
		}
		pull, stream, out.close = t, t, t.Close
	case "nats":
		natsCfg := f.cfg.GetNATS()
		t, err := natsjs.New(ctx, natsCfg, f.logger)
		if err != nil {
			return nil, err
		}
		pull, stream, out.close = t, t, t.Close
		if natsCfg.DeadLetterSubject != "" {
			out.DeadLetters = natsjs.NewDeadLetterPublisher(t, natsCfg.DeadLetterSubject, f.logger)
		}
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportCfg.Type)
	}

	if transportCfg.Mode == "pull" {
		out.Pull = pull
	} else {
		out.Stream = stream
	}
	f.logger.Info("Notification transport ready",
		zap.String("type", transportCfg.Type),
		zap.String("mode", transportCfg.Mode))
	return out, nil
}
