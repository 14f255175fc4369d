// Package oauth implements both OAuth2 roles of the engine: the client
// side that signs users in against an upstream identity provider, and the
// authorization server side that registers machine clients and issues
// opaque bearer tokens bound to actors.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// EmailStrategy names how a provider surfaces the signed-in user's email.
type EmailStrategy string

const (
	// EmailDirect means the userinfo response carries a usable email.
	EmailDirect EmailStrategy = "direct"
	// EmailFromAPI means a secondary call lists the verified emails.
	EmailFromAPI EmailStrategy = "emails_api"
	// EmailProviderID means no email is available and the creator is
	// synthesized from the provider's stable subject ID.
	EmailProviderID EmailStrategy = "provider_id"
)

// Provider is an immutable description of one upstream identity provider.
// Quirks that differ between providers (extra headers, offline-access
// parameters, refresh support) live here so the flow itself stays generic.
type Provider struct {
	Name             string
	Config           *oauth2.Config
	UserinfoURL      string
	EmailsURL        string
	ExtraAuthParams  []oauth2.AuthCodeOption
	ExtraHeaders     map[string]string
	RefreshSupported bool
	EmailStrategy    EmailStrategy
}

// Identity is what a completed provider round-trip tells us about the user.
type Identity struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// ProviderID returns the provider-qualified creator form "<provider>:<sub>".
func (i *Identity) ProviderID() string {
	return i.Provider + ":" + i.Subject
}

// NewGoogleProvider builds the Google provider. Google only issues refresh
// tokens when offline access is requested and consent is re-prompted.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) *Provider {
	return &Provider{
		Name: "google",
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		UserinfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		ExtraAuthParams: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("access_type", "offline"),
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
		RefreshSupported: true,
		EmailStrategy:    EmailDirect,
	}
}

// NewGitHubProvider builds the GitHub provider. GitHub rejects requests
// without a User-Agent, hides the email when the user marked it private
// (hence the secondary emails call), and never issues refresh tokens.
func NewGitHubProvider(clientID, clientSecret, redirectURL string) *Provider {
	return &Provider{
		Name: "github",
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"user:email"},
			Endpoint:     github.Endpoint,
		},
		UserinfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
		ExtraHeaders: map[string]string{
			"User-Agent": "actingweb/1.0",
			"Accept":     "application/json",
		},
		RefreshSupported: false,
		EmailStrategy:    EmailFromAPI,
	}
}

// AuthCodeURL composes the provider's authorization URL for the given
// state, applying the provider's extra parameters.
func (p *Provider) AuthCodeURL(state string) string {
	return p.Config.AuthCodeURL(state, p.ExtraAuthParams...)
}

// Exchange redeems the authorization code for a provider token.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s code exchange: %w", p.Name, err)
	}
	return tok, nil
}

// FetchIdentity calls the provider's userinfo API and, if the email is
// hidden and the provider exposes an emails API, resolves the primary
// verified email through it.
func (p *Provider) FetchIdentity(ctx context.Context, tok *oauth2.Token) (*Identity, error) {
	body, err := p.apiGet(ctx, p.UserinfoURL, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	var info struct {
		ID    json.RawMessage `json:"id"`
		Login string          `json:"login"`
		Name  string          `json:"name"`
		Email string          `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse %s userinfo: %w", p.Name, err)
	}

	ident := &Identity{
		Provider: p.Name,
		Subject:  rawID(info.ID),
		Email:    info.Email,
		Name:     info.Name,
	}
	if ident.Name == "" {
		ident.Name = info.Login
	}
	if ident.Email == "" && p.EmailsURL != "" {
		ident.Email, _ = p.fetchPrimaryEmail(ctx, tok.AccessToken)
	}
	return ident, nil
}

// fetchPrimaryEmail lists the account's emails and picks the primary
// verified one, falling back to any verified address.
func (p *Provider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	body, err := p.apiGet(ctx, p.EmailsURL, accessToken)
	if err != nil {
		return "", err
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", fmt.Errorf("parse %s emails: %w", p.Name, err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

func (p *Provider) apiGet(ctx context.Context, url, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range p.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s api returned %d: %s", p.Name, resp.StatusCode, body)
	}
	return body, nil
}

// rawID normalizes a provider subject that may arrive as a JSON number
// (GitHub) or string (Google).
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return strings.Trim(string(raw), `"`)
}
