package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/model"
)

var (
	// ErrReauthRequired means the user must sign in again before the account
	// can be synchronized
	ErrReauthRequired = errors.New("interactive re-authentication required")
	// ErrNoConnectedAccount means the auth server has no grant for the account
	ErrNoConnectedAccount = errors.New("no connected account")
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ProviderFor returns the OAuth provider that issues tokens for an account
func ProviderFor(account model.Account) (Provider, bool) {
	switch account.Provider {
	case model.ProviderGmail:
		return ProviderGoogle, true
	case model.ProviderOutlook:
		return ProviderMicrosoft, true
	case model.ProviderIMAP:
		if !account.OAuth {
			return "", false
		}
		host := strings.ToLower(account.Host)
		switch {
		case strings.HasSuffix(host, "gmail.com"), strings.HasSuffix(host, "googlemail.com"):
			return ProviderGoogle, true
		case strings.HasSuffix(host, "outlook.com"), strings.HasSuffix(host, "office365.com"):
			return ProviderMicrosoft, true
		}
	}
	return "", false
}

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenSource returns a bearer token for an account
type TokenSource interface {
	Token(ctx context.Context, account model.Account) (*Token, error)
}

// BetterAuthClient fetches OAuth tokens from BetterAuth
type BetterAuthClient struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth. The
// service token authenticates this process against the auth server.
func NewBetterAuthClient(authServerURL, serviceToken string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL:      strings.TrimRight(authServerURL, "/"),
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Token fetches the OAuth token of an account. BetterAuth handles storage
// and refresh; a 401 means the grant was revoked.
func (c *BetterAuthClient) Token(ctx context.Context, account model.Account) (*Token, error) {
	provider, ok := ProviderFor(account)
	if !ok {
		return nil, fmt.Errorf("account %s does not use OAuth", account.ID)
	}

	u := fmt.Sprintf("%s/api/auth/accounts/%s/token?account=%s", c.baseURL, provider, url.QueryEscape(account.Address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrReauthRequired, account.Address)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s on %s", ErrNoConnectedAccount, account.Address, provider)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// OAuth2 adapts a TokenSource to an oauth2.TokenSource for one account.
// Tokens are reused until they expire.
func OAuth2(ctx context.Context, ts TokenSource, account model.Account) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &accountTokenSource{ctx: ctx, ts: ts, account: account})
}

type accountTokenSource struct {
	ctx     context.Context
	ts      TokenSource
	account model.Account
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.ts.Token(s.ctx, s.account)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.Expiry,
	}, nil
}
