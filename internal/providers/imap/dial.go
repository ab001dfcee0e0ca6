package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/model"
)

// ErrAuthFailed is returned when the server rejects the credentials
var ErrAuthFailed = errors.New("imap authentication failed")

// Credentials supplies the secret used to log in
type Credentials struct {
	// Password is used when the server is not configured for OAuth
	Password string
	// Token supplies access tokens for OAUTHBEARER or XOAUTH2
	Token oauth2.TokenSource
}

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook before they supported OAUTHBEARER
type xoauth2Client struct {
	username, token string
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// the server sends an error description; an empty reply ends the exchange
	return []byte{}, nil
}

// dial connects and authenticates a client for server
func dial(ctx context.Context, server model.ServerInfo, creds Credentials, timeout time.Duration) (*client.Client, error) {
	addr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	tlsConfig := &tls.Config{ServerName: server.Host}

	var (
		c   *client.Client
		err error
	)
	switch server.Security {
	case model.SecurityTLS:
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c.Timeout = timeout

	if server.Security == model.SecurityStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	if err := authenticate(c, server, creds); err != nil {
		c.Logout()
		return nil, err
	}
	return c, nil
}

func authenticate(c *client.Client, server model.ServerInfo, creds Credentials) error {
	if !server.OAuth {
		if err := c.Login(server.Username, creds.Password); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil
	}

	if creds.Token == nil {
		return fmt.Errorf("%w: no token source for %s", ErrAuthFailed, server.Username)
	}
	tok, err := creds.Token.Token()
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	var mech sasl.Client
	if ok, _ := c.SupportAuth(sasl.OAuthBearer); ok {
		mech = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: server.Username,
			Token:    tok.AccessToken,
			Host:     server.Host,
			Port:     server.Port,
		})
	} else {
		mech = &xoauth2Client{username: server.Username, token: tok.AccessToken}
	}
	if err := c.Authenticate(mech); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// TestConnectivity dials server, authenticates and logs out
func TestConnectivity(ctx context.Context, server model.ServerInfo, timeout time.Duration) error {
	if server.Host == "" || server.Port == 0 {
		return fmt.Errorf("incomplete server settings: host and port are required")
	}
	c, err := dial(ctx, server, Credentials{Password: server.Password}, timeout)
	if err != nil {
		return err
	}
	return c.Logout()
}
