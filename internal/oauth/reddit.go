// Package oauth implements the Reddit OAuth2 authorization-code login used to
// establish a session identity.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/koltyakov/circlejoin/internal/netutil"
)

const (
	DefaultAuthURL   = "https://www.reddit.com/api/v1/authorize"
	DefaultTokenURL  = "https://www.reddit.com/api/v1/access_token"
	DefaultAPIBase   = "https://oauth.reddit.com"
	DefaultUserAgent = "circlejoin/1.0"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config describes the registered Reddit application.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	UserAgent    string

	// Endpoint overrides, used against test servers.
	AuthURL  string
	TokenURL string
	APIBase  string

	HTTPClient *http.Client
}

// Identity is the subset of /api/v1/me the server keeps.
type Identity struct {
	Name string `json:"name"`
}

// Reddit talks to reddit.com on behalf of the application.
type Reddit struct {
	oauthConfig *oauth2.Config
	apiBase     string
	client      *http.Client
}

func NewReddit(cfg Config) (*Reddit, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("reddit oauth config missing client id or secret")
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultTimeout}
	}
	authURL := firstNonEmpty(cfg.AuthURL, DefaultAuthURL)
	tokenURL := firstNonEmpty(cfg.TokenURL, DefaultTokenURL)

	return &Reddit{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			Scopes: []string{"identity"},
		},
		apiBase: strings.TrimRight(firstNonEmpty(cfg.APIBase, DefaultAPIBase), "/"),
		client:  netutil.NewClient(userAgent, base),
	}, nil
}

// AuthCodeURL builds the authorize URL for a permanent identity grant.
func (p *Reddit) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("duration", "permanent"))
}

// Exchange trades an authorization code for a user access token.
func (p *Reddit) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("missing authorization code")
	}
	token, err := p.oauthConfig.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("reddit token exchange failed: %w", err)
	}
	return token, nil
}

// PasswordToken obtains a token for a script-type account with the
// resource-owner password grant.
func (p *Reddit) PasswordToken(ctx context.Context, username, password string) (*oauth2.Token, error) {
	token, err := p.oauthConfig.PasswordCredentialsToken(p.clientContext(ctx), username, password)
	if err != nil {
		return nil, fmt.Errorf("reddit password grant failed: %w", err)
	}
	return token, nil
}

// Me resolves the identity behind accessToken.
func (p *Reddit) Me(ctx context.Context, accessToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/api/v1/me", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("reddit identity request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Identity{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("reddit identity request returned %d", resp.StatusCode)
	}
	var id Identity
	if err := json.Unmarshal(body, &id); err != nil {
		return Identity{}, fmt.Errorf("decode reddit identity: %w", err)
	}
	if id.Name == "" {
		return Identity{}, errors.New("reddit identity has no name")
	}
	return id, nil
}

// Login completes the authorization-code flow and returns the identity and
// its access token.
func (p *Reddit) Login(ctx context.Context, code string) (Identity, string, error) {
	token, err := p.Exchange(ctx, code)
	if err != nil {
		return Identity{}, "", err
	}
	id, err := p.Me(ctx, token.AccessToken)
	if err != nil {
		return Identity{}, "", err
	}
	return id, token.AccessToken, nil
}

// APIBase is the root of authenticated API calls.
func (p *Reddit) APIBase() string {
	return p.apiBase
}

// HTTPClient returns the client that carries the configured User-Agent.
func (p *Reddit) HTTPClient() *http.Client {
	return p.client
}

func (p *Reddit) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func firstNonEmpty(v, fallback string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return fallback
}
