package di

import (
	"context"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/lead-router/internal/adapters/deadletter"
	"github.com/mikey/lead-router/internal/adapters/gmail"
	"github.com/mikey/lead-router/internal/adapters/httpapi"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/factory"
	"github.com/mikey/lead-router/internal/logging"
	"github.com/mikey/lead-router/internal/senderfilter"
	"github.com/mikey/lead-router/internal/utils"
)

// BuildContainer creates and configures a dependency injection container
// for the lead router service. Adapters that connect to external systems
// are created lazily, on the first Invoke that needs them.
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideFactories(container); err != nil {
		return nil, err
	}
	if err := provideAdapters(container); err != nil {
		return nil, err
	}
	if err := provideCore(container); err != nil {
		return nil, err
	}

	// Register HTTP server
	if err := container.Provide(func(
		cfg *config.Config,
		svc *core.LeadService,
		auth *gmail.Authenticator,
		ring *deadletter.Ring,
		logger *zap.Logger,
	) *httpapi.Server {
		return httpapi.NewServer(svc, auth, ring, cfg.GetServer(), cfg.GetPubSub().Topic, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

func provideFactories(container *dig.Container) error {
	for _, ctor := range []any{
		factory.NewClassifierFactory,
		factory.NewDedupFactory,
		factory.NewSnapshotFactory,
		factory.NewTransportFactory,
		factory.NewMailFactory,
	} {
		if err := container.Provide(ctor); err != nil {
			return err
		}
	}
	return nil
}

func provideAdapters(container *dig.Container) error {
	// Register text processor
	if err := container.Provide(utils.NewTextProcessor); err != nil {
		return err
	}

	// Register classifier
	if err := container.Provide(func(f *factory.ClassifierFactory) (core.Classifier, error) {
		return f.CreateClassifier(context.Background())
	}); err != nil {
		return err
	}

	// Register dedup window, nil when disabled
	if err := container.Provide(func(f *factory.DedupFactory) (factory.DedupCache, error) {
		return f.CreateDedupCache(context.Background())
	}); err != nil {
		return err
	}

	// Register snapshot stores
	if err := container.Provide(func(f *factory.SnapshotFactory) (*factory.Snapshots, error) {
		return f.CreateSnapshots(context.Background())
	}); err != nil {
		return err
	}

	// Register notification transport
	if err := container.Provide(func(f *factory.TransportFactory) (*factory.Transport, error) {
		return f.CreateTransport(context.Background())
	}); err != nil {
		return err
	}

	// Register mailbox client, authenticator and reply sender
	if err := container.Provide(func(f *factory.MailFactory) *gmail.Client {
		return f.CreateClient()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.MailFactory) *gmail.Authenticator {
		return f.CreateAuthenticator()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.MailFactory, client *gmail.Client) (core.ReplySender, error) {
		return f.CreateReplySender(client)
	}); err != nil {
		return err
	}

	// Register dead letter ring
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *deadletter.Ring {
		return deadletter.NewRing(cfg.GetInt("dead_letters.capacity"), logger)
	}); err != nil {
		return err
	}

	// Register skipped sender domains
	return container.Provide(func(cfg *config.Config, logger *zap.Logger) *senderfilter.Checker {
		domains := cfg.GetOrchestrator().SkipDomains
		if len(domains) > 0 {
			logger.Info("Loaded skipped sender domains", zap.Strings("domains", domains))
		}
		return senderfilter.NewChecker(domains, logger)
	})
}

func provideCore(container *dig.Container) error {
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *core.Hub {
		return core.NewHub(cfg.GetInt("hub.max_buffer"), logger)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(
		cfg *config.Config,
		auth *gmail.Authenticator,
		snapshots *factory.Snapshots,
		logger *zap.Logger,
	) *core.CredentialStore {
		return core.NewCredentialStore(auth, snapshots.Credentials, cfg.GetOAuth().RefreshTimeout, logger)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(snapshots *factory.Snapshots, logger *zap.Logger) *core.LeadStore {
		return core.NewLeadStore(snapshots.Leads, logger)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(
		cfg *config.Config,
		creds *core.CredentialStore,
		leads *core.LeadStore,
		hub *core.Hub,
		client *gmail.Client,
		sender core.ReplySender,
		classifier core.Classifier,
		filter *senderfilter.Checker,
		logger *zap.Logger,
	) *core.Orchestrator {
		orchCfg := cfg.GetOrchestrator()
		return core.NewOrchestrator(creds, leads, hub, client, sender, classifier, filter,
			core.OrchestratorConfig{
				Timeout:        orchCfg.Timeout,
				UnreadFallback: orchCfg.UnreadFallback,
			}, logger)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(
		cfg *config.Config,
		hub *core.Hub,
		creds *core.CredentialStore,
		orchestrator *core.Orchestrator,
		dedup factory.DedupCache,
		ring *deadletter.Ring,
		transport *factory.Transport,
		logger *zap.Logger,
	) *core.Ingestor {
		var sink core.DeadLetterSink = ring
		if transport.DeadLetters != nil {
			sink = deadletter.Tee{ring, transport.DeadLetters}
		}
		var window core.DedupCache
		if dedup != nil {
			window = dedup
		}
		ingCfg := cfg.GetIngestion()
		return core.NewIngestor(hub, creds, orchestrator, window, sink, core.IngestConfig{
			BatchSize:    ingCfg.BatchSize,
			PullWait:     ingCfg.PullWait,
			PollInterval: ingCfg.PollInterval,
			AckTimeout:   ingCfg.AckTimeout,
		}, logger)
	}); err != nil {
		return err
	}

	return container.Provide(func(
		creds *core.CredentialStore,
		leads *core.LeadStore,
		hub *core.Hub,
		ingestor *core.Ingestor,
		client *gmail.Client,
		sender core.ReplySender,
		logger *zap.Logger,
	) *core.LeadService {
		return core.NewLeadService(creds, leads, hub, ingestor, client, sender, logger)
	})
}
