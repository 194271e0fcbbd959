package factory

import (
	"fmt"

	"github.com/mikey/lead-router/internal/adapters/gmail"
	"github.com/mikey/lead-router/internal/adapters/smtp"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// MailFactory creates the mailbox API client, the OAuth authenticator and
// the reply sender
type MailFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewMailFactory creates a new mail factory
func NewMailFactory(cfg *config.Config, logger *zap.Logger) *MailFactory {
	return &MailFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateClient creates the Gmail API client
func (f *MailFactory) CreateClient() *gmail.Client {
	return gmail.NewClient(f.cfg.GetMail().BreakerTimeout, f.logger)
}

// CreateAuthenticator creates the OAuth authenticator
func (f *MailFactory) CreateAuthenticator() *gmail.Authenticator {
	oauthCfg := f.cfg.GetOAuth()
	if oauthCfg.ClientID == "" || oauthCfg.ClientSecret == "" {
		f.logger.Warn("OAuth client id or secret is not configured, logins will fail")
	}
	return gmail.NewAuthenticator(oauthCfg, f.logger)
}

// CreateReplySender picks the transport used to send replies
func (f *MailFactory) CreateReplySender(client *gmail.Client) (core.ReplySender, error) {
	switch transport := f.cfg.GetMail().ReplyTransport; transport {
	case "gmail":
		return client, nil
	case "smtp":
		smtpCfg := f.cfg.GetSMTP()
		if smtpCfg.Host == "" {
			return nil, fmt.Errorf("smtp host is required")
		}
		return smtp.NewSender(smtpCfg, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported reply transport: %s", transport)
	}
}
