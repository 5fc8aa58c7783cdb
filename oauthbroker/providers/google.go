package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	oagoogle "golang.org/x/oauth2/google"

	"github.com/sigilid/sigil/oauthbroker"
	"github.com/sigilid/sigil/storage"
)

// Google implements oauthbroker.Provider against accounts.google.com.
type Google struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
}

func NewGoogle(cfg GoogleConfig, httpClient *http.Client) *Google {
	return &Google{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oagoogle.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/userinfo.email", "https://www.googleapis.com/auth/userinfo.profile"},
		},
		httpClient: httpClient,
	}
}

func (g *Google) Kind() storage.OAuthProviderKind { return storage.OAuthProviderGoogle }

func (g *Google) LoginURL(redirectURL, state string) (string, error) {
	cfg := *g.oauth2Config
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state), nil
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

func (g *Google) ExchangeIdentity(ctx context.Context, code, redirectURL string) (oauthbroker.Identity, error) {
	cfg := *g.oauth2Config
	cfg.RedirectURL = redirectURL

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/google: exchanging code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://openidconnect.googleapis.com/v1/userinfo", nil)
	if err != nil {
		return oauthbroker.Identity{}, err
	}
	req.Header.Set("authorization", "Bearer "+token.AccessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/google: fetching userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/google: userinfo request returned status %d", resp.StatusCode)
	}

	var userInfo googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return oauthbroker.Identity{}, fmt.Errorf("oauthbroker/google: decoding userinfo: %w", err)
	}

	var attrs []oauthbroker.Attribute
	if userInfo.Name != "" {
		attrs = append(attrs, oauthbroker.Attribute{Kind: oauthbroker.AttributeDisplayName, Value: userInfo.Name})
	}
	if userInfo.Email != "" {
		kind := oauthbroker.AttributeEmail
		if userInfo.EmailVerified {
			kind = oauthbroker.AttributePrimaryEmail
		}
		attrs = append(attrs, oauthbroker.Attribute{Kind: kind, Value: userInfo.Email})
	}

	return oauthbroker.Identity{
		ProviderUserID: userInfo.Sub,
		Attributes:     attrs,
		AccessToken:    token.AccessToken,
	}, nil
}
