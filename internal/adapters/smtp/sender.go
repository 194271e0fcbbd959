// Package smtp sends lead replies through an SMTP submission server.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/mimetext"
	"go.uber.org/zap"
)

// Sender implements core.ReplySender over SMTP. With a configured password
// it authenticates with PLAIN, otherwise with OAUTHBEARER using the
// session's access token.
type Sender struct {
	cfg         config.SMTPConfig
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewSender creates an SMTP sender
func NewSender(cfg config.SMTPConfig, logger *zap.Logger) *Sender {
	return &Sender{
		cfg:         cfg,
		dialTimeout: 10 * time.Second,
		tlsConfig:   &tls.Config{ServerName: cfg.Host},
		logger:      logger,
		now:         time.Now,
	}
}

// SendReply submits msg and returns its Message-ID
func (s *Sender) SendReply(ctx context.Context, creds core.Credentials, reply *core.OutgoingMessage) (string, error) {
	msg := *reply
	if msg.From == "" {
		msg.From = s.cfg.From
	}
	raw, messageID, err := mimetext.Compose(&msg, s.now())
	if err != nil {
		return "", err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", core.Upstream("smtp connect", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(60 * time.Second))
	}

	var c *smtp.Client
	if s.cfg.StartTLS {
		c, err = smtp.NewClientStartTLS(conn, s.tlsConfig)
		if err != nil {
			return "", core.Upstream("smtp STARTTLS", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	if err := c.Hello(hostname); err != nil {
		return "", core.Upstream("smtp EHLO", err)
	}

	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(s.saslClient(creds, msg.From)); err != nil {
			return "", mapSMTPError("smtp AUTH", err)
		}
	}

	from := core.BareAddress(msg.From)
	if err := c.Mail(from, nil); err != nil {
		return "", mapSMTPError("smtp MAIL FROM", err)
	}
	if err := c.Rcpt(core.BareAddress(msg.To), nil); err != nil {
		return "", mapSMTPError("smtp RCPT TO", err)
	}

	wc, err := c.Data()
	if err != nil {
		return "", mapSMTPError("smtp DATA", err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return "", core.Upstream("smtp DATA", err)
	}
	if err := wc.Close(); err != nil {
		return "", mapSMTPError("smtp DATA", err)
	}

	if err := c.Quit(); err != nil {
		// the message has already been accepted
		s.logger.Warn("QUIT command failed", zap.Error(err))
	}

	s.logger.Debug("Reply submitted over SMTP",
		zap.String("to", msg.To),
		zap.String("message_id", messageID))
	return messageID, nil
}

func (s *Sender) saslClient(creds core.Credentials, from string) sasl.Client {
	username := s.cfg.Username
	if username == "" {
		username = core.BareAddress(from)
	}
	if s.cfg.Password != "" {
		return sasl.NewPlainClient("", username, s.cfg.Password)
	}
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: username,
		Token:    creds.AccessToken,
	})
}

// mapSMTPError treats 5xx auth replies as unauthorized, other permanent
// replies as plain errors and everything else as transient
func mapSMTPError(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case smtpErr.Code == 535 || smtpErr.Code == 534:
			return fmt.Errorf("%s: %w: %w", op, core.ErrUnauthorized, err)
		case smtpErr.Code >= 500:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return core.Upstream(op, err)
}
