// Package validator confirms that a submitted circle key is authentic for the
// circle it names before a request is accepted.
package validator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/koltyakov/circlejoin/internal/oauth"
)

const maxResponseBytes = 64 << 10

// Validator reports whether key unlocks the circle resourceID. It never
// returns an error: every failure reads as false.
type Validator interface {
	Validate(ctx context.Context, resourceID, key string) bool
}

// Func adapts a plain function to [Validator].
type Func func(ctx context.Context, resourceID, key string) bool

func (f Func) Validate(ctx context.Context, resourceID, key string) bool {
	return f(ctx, resourceID, key)
}

// Reddit checks keys with the guess_voting_key endpoint while logged in as a
// dedicated check account.
type Reddit struct {
	provider *oauth.Reddit
	username string
	password string
	log      *slog.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

func NewReddit(provider *oauth.Reddit, username, password string, logger *slog.Logger) *Reddit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reddit{
		provider: provider,
		username: username,
		password: password,
		log:      logger,
	}
}

func (v *Reddit) Validate(ctx context.Context, resourceID, key string) bool {
	token, err := v.accessToken(ctx)
	if err != nil {
		v.log.Warn("check account login failed", "err", err)
		return false
	}

	form := url.Values{}
	form.Set("id", resourceID)
	form.Set("vote_key", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.provider.APIBase()+"/api/guess_voting_key.json", strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	token.SetAuthHeader(req)

	resp, err := v.provider.HTTPClient().Do(req)
	if err != nil {
		v.log.Warn("key validation request failed", "id", resourceID, "err", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		v.forgetToken(token)
	}
	if resp.StatusCode != http.StatusOK {
		v.log.Warn("key validation rejected", "id", resourceID, "status", resp.StatusCode)
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false
	}
	return parseGuess(body, resourceID, key)
}

func (v *Reddit) accessToken(ctx context.Context) (*oauth2.Token, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.token.Valid() {
		return v.token, nil
	}
	token, err := v.provider.PasswordToken(ctx, v.username, v.password)
	if err != nil {
		return nil, err
	}
	v.token = token
	return token, nil
}

func (v *Reddit) forgetToken(stale *oauth2.Token) {
	v.mu.Lock()
	if v.token == stale {
		v.token = nil
	}
	v.mu.Unlock()
}

// parseGuess accepts a bare boolean or an object whose entry for the circle
// id or the key is true.
func parseGuess(body []byte, resourceID, key string) bool {
	var ok bool
	if err := json.Unmarshal(body, &ok); err == nil {
		return ok
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return false
	}
	for _, k := range []string{resourceID, key} {
		raw, found := m[k]
		if !found {
			continue
		}
		var v bool
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return false
}
