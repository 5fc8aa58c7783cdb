// Package providers implements oauthbroker.Provider for the three
// upstream services this build supports: GitHub, GitLab, and Google.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	oagithub "golang.org/x/oauth2/github"

	"github.com/sigilid/sigil/oauthbroker"
	"github.com/sigilid/sigil/storage"
)

// GitHub implements oauthbroker.Provider against github.com.
type GitHub struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client
}

// GitHubConfig is the configuration for a GitHub provider.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
}

// NewGitHub builds a GitHub provider. redirectURI is filled in per
// request by oauth2.Config.AuthCodeURL's caller, matching the way the
// rest of this broker treats the redirect URI as request-scoped rather
// than fixed at provider construction.
func NewGitHub(cfg GitHubConfig, httpClient *http.Client) *GitHub {
	return &GitHub{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oagithub.Endpoint,
		},
		httpClient: httpClient,
	}
}

func (g *GitHub) Kind() storage.OAuthProviderKind { return storage.OAuthProviderGitHub }

func (g *GitHub) LoginURL(redirectURL, state string) (string, error) {
	cfg := *g.oauth2Config
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state), nil
}

type githubUserInfo struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Name  string `json:"name"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

func (g *GitHub) get(ctx context.Context, token *oauth2.Token, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-github-api-version", "2022-11-28")
	req.Header.Set("accept", "application/vnd.github+json")
	req.Header.Set("authorization", "Bearer "+token.AccessToken)
	return g.httpClient.Do(req)
}

func (g *GitHub) ExchangeIdentity(ctx context.Context, code, redirectURL string) (oauthbroker.Identity, error) {
	cfg := *g.oauth2Config
	cfg.RedirectURL = redirectURL

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/github: exchanging code: %w", err)
	}

	resp, err := g.get(ctx, token, "https://api.github.com/user")
	if err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/github: fetching user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/github: user request returned status %d", resp.StatusCode)
	}
	var userInfo githubUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/github: decoding user: %w", err)
	}

	resp, err = g.get(ctx, token, "https://api.github.com/user/emails")
	if err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/github: fetching emails: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/github: emails request returned status %d", resp.StatusCode)
	}
	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/github: decoding emails: %w", err)
	}

	attrs := []oauthbroker.Attribute{{Kind: oauthbroker.AttributeUsername, Value: userInfo.Login}}
	if userInfo.Name != "" {
		attrs = append(attrs, oauthbroker.Attribute{Kind: oauthbroker.AttributeDisplayName, Value: userInfo.Name})
	}
	for _, email := range emails {
		switch {
		case email.Primary && email.Verified:
			attrs = append(attrs, oauthbroker.Attribute{Kind: oauthbroker.AttributePrimaryEmail, Value: email.Email})
		case email.Verified:
			attrs = append(attrs, oauthbroker.Attribute{Kind: oauthbroker.AttributeVerifiedEmail, Value: email.Email})
		default:
			attrs = append(attrs, oauthbroker.Attribute{Kind: oauthbroker.AttributeEmail, Value: email.Email})
		}
	}

	return oauthbroker.Identity{
		ProviderUserID: fmt.Sprintf("%d", userInfo.ID),
		Attributes:     attrs,
		AccessToken:    token.AccessToken,
	}, nil
}
