package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Authenticator runs the OAuth authorization code flow against Google and
// refreshes access tokens. It implements core.TokenRefresher.
type Authenticator struct {
	config       *oauth2.Config
	httpClient   *http.Client
	userEndpoint string
	logger       *zap.Logger
}

// AuthOption customizes an Authenticator
type AuthOption func(*Authenticator)

// WithUserInfoEndpoint overrides the userinfo API root, mainly for tests
func WithUserInfoEndpoint(endpoint string) AuthOption {
	return func(a *Authenticator) { a.userEndpoint = endpoint }
}

// WithHTTPClient sets the client used for token and userinfo calls
func WithHTTPClient(c *http.Client) AuthOption {
	return func(a *Authenticator) { a.httpClient = c }
}

// NewAuthenticator creates an Authenticator from the oauth section
func NewAuthenticator(cfg config.OAuthConfig, logger *zap.Logger, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     google.Endpoint,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) withClient(ctx context.Context) context.Context {
	if a.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}
	return ctx
}

// AuthCodeURL returns the consent URL; offline access with forced consent
// so that a refresh token is always issued
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for credentials
func (a *Authenticator) Exchange(ctx context.Context, code string) (core.Credentials, error) {
	tok, err := a.config.Exchange(a.withClient(ctx), code)
	if err != nil {
		return core.Credentials{}, mapTokenError("exchange code", err)
	}
	return a.toCredentials(tok, ""), nil
}

// UserInfo fetches the profile of the credential owner
func (a *Authenticator) UserInfo(ctx context.Context, creds core.Credentials) (core.UserInfo, error) {
	ctx = a.withClient(ctx)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if a.userEndpoint != "" {
		opts = append(opts, option.WithEndpoint(a.userEndpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return core.UserInfo{}, fmt.Errorf("failed to create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return core.UserInfo{}, mapError("get userinfo", err)
	}
	if info.Email == "" {
		return core.UserInfo{}, fmt.Errorf("get userinfo: %w: profile has no email", core.ErrUnauthorized)
	}
	return core.UserInfo{Email: info.Email, Name: info.Name, Picture: info.Picture}, nil
}

// Refresh obtains a new access token. The stored token URI and client
// credentials win over the configured ones.
func (a *Authenticator) Refresh(ctx context.Context, creds core.Credentials) (core.Credentials, error) {
	if creds.RefreshToken == "" {
		return core.Credentials{}, fmt.Errorf("refresh: %w: no refresh token", core.ErrUnauthorized)
	}
	cfg := *a.config
	if creds.ClientID != "" {
		cfg.ClientID = creds.ClientID
		cfg.ClientSecret = creds.ClientSecret
	}
	if creds.TokenURI != "" {
		cfg.Endpoint.TokenURL = creds.TokenURI
	}

	// a past expiry forces the token source to hit the token endpoint
	stale := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	tok, err := cfg.TokenSource(a.withClient(ctx), stale).Token()
	if err != nil {
		return core.Credentials{}, mapTokenError("refresh token", err)
	}

	out := a.toCredentials(tok, creds.RefreshToken)
	if creds.TokenURI != "" {
		out.TokenURI = creds.TokenURI
	}
	if creds.ClientID != "" {
		out.ClientID = creds.ClientID
		out.ClientSecret = creds.ClientSecret
	}
	if len(creds.Scopes) > 0 {
		out.Scopes = creds.Scopes
	}
	a.logger.Debug("Access token refreshed", zap.Time("expiry", out.Expiry))
	return out, nil
}

func (a *Authenticator) toCredentials(tok *oauth2.Token, fallbackRefresh string) core.Credentials {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	return core.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenURI:     a.config.Endpoint.TokenURL,
		ClientID:     a.config.ClientID,
		ClientSecret: a.config.ClientSecret,
		Scopes:       a.config.Scopes,
		Expiry:       tok.Expiry,
	}
}

func mapTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" ||
			(re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)) {
			return fmt.Errorf("%s: %w: %w", op, core.ErrUnauthorized, err)
		}
	}
	return core.Upstream(op, err)
}
