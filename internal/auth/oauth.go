package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"stride/internal/identity"
)

// Profile is the provider-agnostic identity extracted from an OAuth
// callback. The consent dance itself lives at the HTTP boundary; the core
// only consumes its outcome.
type Profile struct {
	Provider      identity.Provider
	ProviderID    string // provider subject id
	Email         string
	EmailVerified bool

	AccessToken  string
	RefreshToken string
}

// OAuthProvider bundles a provider's oauth2 config with its userinfo
// endpoint. ExchangeProfile is the whole server side of the authorization
// code flow: code -> token -> profile.
type OAuthProvider struct {
	Provider    identity.Provider
	Config      *oauth2.Config
	UserInfoURL string
}

// OAuthProviders builds the supported providers from the environment.
// Providers without a configured client id are omitted.
//
// Env surface:
//   - STRIDE_OAUTH_GOOGLE_CLIENT_ID / _CLIENT_SECRET
//   - STRIDE_OAUTH_MICROSOFT_CLIENT_ID / _CLIENT_SECRET
//   - STRIDE_OAUTH_REDIRECT_BASE (e.g. https://app.example.com/auth/oauth)
func OAuthProviders() map[identity.Provider]OAuthProvider {
	base := strings.TrimRight(strings.TrimSpace(os.Getenv("STRIDE_OAUTH_REDIRECT_BASE")), "/")

	out := make(map[identity.Provider]OAuthProvider, 2)

	if id := os.Getenv("STRIDE_OAUTH_GOOGLE_CLIENT_ID"); id != "" {
		out[identity.ProviderGoogle] = OAuthProvider{
			Provider: identity.ProviderGoogle,
			Config: &oauth2.Config{
				ClientID:     id,
				ClientSecret: os.Getenv("STRIDE_OAUTH_GOOGLE_CLIENT_SECRET"),
				RedirectURL:  base + "/google/callback",
				Scopes:       []string{"openid", "email", "profile"},
				Endpoint:     google.Endpoint,
			},
			UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		}
	}

	if id := os.Getenv("STRIDE_OAUTH_MICROSOFT_CLIENT_ID"); id != "" {
		out[identity.ProviderMicrosoft] = OAuthProvider{
			Provider: identity.ProviderMicrosoft,
			Config: &oauth2.Config{
				ClientID:     id,
				ClientSecret: os.Getenv("STRIDE_OAUTH_MICROSOFT_CLIENT_SECRET"),
				RedirectURL:  base + "/microsoft/callback",
				Scopes:       []string{"openid", "email", "profile"},
				Endpoint:     microsoft.AzureADEndpoint(""),
			},
			UserInfoURL: "https://graph.microsoft.com/oidc/userinfo",
		}
	}

	return out
}

// oauthUserInfo covers both the OIDC userinfo shape (sub/email_verified)
// and Google's legacy v2 shape (id/verified_email).
type oauthUserInfo struct {
	Sub           string `json:"sub"`
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	VerifiedEmail bool   `json:"verified_email"`
}

// ExchangeProfile trades the authorization code for a provider token, then
// fetches the userinfo document with it. The token exchange is
// server-to-server; the provider token never reaches the browser.
func (p OAuthProvider) ExchangeProfile(ctx context.Context, code string) (Profile, error) {
	tok, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("auth: oauth code exchange: %w", err)
	}

	client := p.Config.Client(ctx, tok)
	resp, err := client.Get(p.UserInfoURL)
	if err != nil {
		return Profile{}, fmt.Errorf("auth: fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("auth: userinfo endpoint returned status %d", resp.StatusCode)
	}

	var ui oauthUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		return Profile{}, fmt.Errorf("auth: decoding userinfo: %w", err)
	}

	providerID := ui.Sub
	if providerID == "" {
		providerID = ui.ID
	}
	if providerID == "" || ui.Email == "" {
		return Profile{}, fmt.Errorf("auth: userinfo is missing subject or email")
	}

	return Profile{
		Provider:      p.Provider,
		ProviderID:    providerID,
		Email:         ui.Email,
		EmailVerified: ui.EmailVerified || ui.VerifiedEmail,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
	}, nil
}
