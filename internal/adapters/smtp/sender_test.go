package smtp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/mimetext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// captureBackend records submitted messages
type captureBackend struct {
	mu       sync.Mutex
	password string
	sender   string
	rcpts    []string
	data     []byte
	authed   string
}

func (b *captureBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &captureSession{backend: b}, nil
}

type captureSession struct {
	backend *captureBackend
}

func (s *captureSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *captureSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.backend.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "invalid credentials"}
		}
		s.backend.mu.Lock()
		s.backend.authed = username
		s.backend.mu.Unlock()
		return nil
	}), nil
}

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.sender = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.rcpts = append(s.backend.rcpts, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.data = data
	return nil
}

func (s *captureSession) Reset()        {}
func (s *captureSession) Logout() error { return nil }

func startServer(t *testing.T, password string) (*captureBackend, string, int) {
	t.Helper()
	return startServerTLS(t, password, nil)
}

// startServerTLS offers STARTTLS when tlsConfig is set
func startServerTLS(t *testing.T, password string, tlsConfig *tls.Config) (*captureBackend, string, int) {
	t.Helper()
	be := &captureBackend{password: password}
	srv := smtp.NewServer(be)
	srv.TLSConfig = tlsConfig
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return be, host, port
}

func TestSendReply(t *testing.T) {
	be, host, port := startServer(t, "app-password")
	s := NewSender(config.SMTPConfig{
		Host:     host,
		Port:     port,
		Username: "sales@example.org",
		Password: "app-password",
		From:     "Sales <sales@example.org>",
	}, zaptest.NewLogger(t))

	reply := &core.OutgoingMessage{
		To:        "Buyer <buyer@example.com>",
		Subject:   "Re: Bulk order",
		Body:      "Happy to help.",
		InReplyTo: "<abc@mail.example.com>",
	}
	id, err := s.SendReply(context.Background(), core.Credentials{}, reply)
	require.NoError(t, err)
	assert.Empty(t, reply.From, "caller's message is left untouched")

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, "sales@example.org", be.authed)
	assert.Equal(t, "sales@example.org", be.sender)
	assert.Equal(t, []string{"buyer@example.com"}, be.rcpts)

	parsed, err := mimetext.Parse(be.data)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.MessageID)
	assert.Equal(t, "Happy to help.", parsed.Body)
	assert.Equal(t, "Re: Bulk order", parsed.Subject)
}

func TestSendReplyBadPassword(t *testing.T) {
	_, host, port := startServer(t, "right")
	s := NewSender(config.SMTPConfig{Host: host, Port: port, Username: "u", Password: "wrong", From: "sales@example.org"},
		zaptest.NewLogger(t))

	_, err := s.SendReply(context.Background(), core.Credentials{}, &core.OutgoingMessage{To: "buyer@example.com", Body: "x"})
	require.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestSendReplyStartTLS(t *testing.T) {
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()

	be, host, port := startServerTLS(t, "app-password", ts.TLS)
	s := NewSender(config.SMTPConfig{
		Host:     host,
		Port:     port,
		Username: "sales@example.org",
		Password: "app-password",
		From:     "sales@example.org",
		StartTLS: true,
	}, zaptest.NewLogger(t))
	s.tlsConfig.RootCAs = ts.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs

	_, err := s.SendReply(context.Background(), core.Credentials{}, &core.OutgoingMessage{To: "buyer@example.com", Body: "x"})
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, "sales@example.org", be.authed)
	assert.Equal(t, []string{"buyer@example.com"}, be.rcpts)
}

func TestSendReplyStartTLSUnsupported(t *testing.T) {
	be, host, port := startServer(t, "pw")
	s := NewSender(config.SMTPConfig{Host: host, Port: port, Password: "pw", From: "sales@example.org", StartTLS: true},
		zaptest.NewLogger(t))

	_, err := s.SendReply(context.Background(), core.Credentials{}, &core.OutgoingMessage{To: "buyer@example.com", Body: "x"})
	require.ErrorIs(t, err, core.ErrTransientUpstream)
	assert.ErrorContains(t, err, "STARTTLS")

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Empty(t, be.rcpts)
}

func TestSendReplyUnreachable(t *testing.T) {
	s := NewSender(config.SMTPConfig{Host: "127.0.0.1", Port: 1, From: "sales@example.org"}, zaptest.NewLogger(t))
	_, err := s.SendReply(context.Background(), core.Credentials{}, &core.OutgoingMessage{To: "buyer@example.com", Body: "x"})
	require.ErrorIs(t, err, core.ErrTransientUpstream)
}

func TestSASLClientSelection(t *testing.T) {
	s := NewSender(config.SMTPConfig{}, zaptest.NewLogger(t))
	mech, _, err := s.saslClient(core.Credentials{AccessToken: "tok"}, "Owner <owner@example.com>").Start()
	require.NoError(t, err)
	assert.Equal(t, sasl.OAuthBearer, mech)

	s.cfg.Password = "pw"
	mech, _, err = s.saslClient(core.Credentials{}, "owner@example.com").Start()
	require.NoError(t, err)
	assert.Equal(t, sasl.Plain, mech)
}
