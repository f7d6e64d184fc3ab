package hacienda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/josiasmc/facturador-electronico-cr/pkg/transport"
)

// DefaultTokenTimeout bounds identity provider requests.
const DefaultTokenTimeout = 45 * time.Second

// Client talks to the reception API and the identity provider.
type Client struct {
	http         *transport.HTTPSClient
	tokenTimeout time.Duration
	apiTimeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTokenTimeout sets the identity provider timeout.
func WithTokenTimeout(d time.Duration) Option {
	return func(c *Client) { c.tokenTimeout = d }
}

// WithAPITimeout sets the reception API timeout.
func WithAPITimeout(d time.Duration) Option {
	return func(c *Client) { c.apiTimeout = d }
}

// NewClient creates a client. A nil httpClient uses transport defaults.
func NewClient(httpClient *transport.HTTPSClient, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = transport.NewHTTPSClient(nil)
	}
	c := &Client{
		http:         httpClient,
		tokenTimeout: DefaultTokenTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts a document to the reception endpoint.
func (c *Client) Submit(ctx context.Context, env Environment, bearer string, s *Submission) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding submission: %w", err)
	}

	resp, err := c.do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    env.APIURL + "recepcion",
		Header: http.Header{
			"Authorization": {"bearer " + bearer},
			"Content-Type":  {"application/json"},
		},
		Body:    body,
		Timeout: c.apiTimeout,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	return statusError(resp)
}

// Status queries the state of a document. For confirmation messages the
// receiver's consecutive number is appended to the key.
func (c *Client) Status(ctx context.Context, env Environment, bearer, clave, consecutivoReceptor string) (*Status, error) {
	target := clave
	if consecutivoReceptor != "" {
		target += "-" + consecutivoReceptor
	}

	resp, err := c.do(ctx, &transport.Request{
		Method:  http.MethodGet,
		URL:     env.APIURL + "recepcion/" + url.PathEscape(target),
		Header:  http.Header{"Authorization": {"bearer " + bearer}},
		Timeout: c.apiTimeout,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var status Status
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return nil, fmt.Errorf("decoding status of %s: %w", clave, err)
	}
	return &status, nil
}

// RequestToken performs a token grant against the environment's identity
// provider.
func (c *Client) RequestToken(ctx context.Context, env Environment, form url.Values) (*TokenResponse, error) {
	resp, err := c.do(ctx, &transport.Request{
		Method:  http.MethodPost,
		URL:     env.TokenURL,
		Header:  http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:    []byte(form.Encode()),
		Timeout: c.tokenTimeout,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var token TokenResponse
	if err := json.Unmarshal(resp.Body, &token); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return &token, nil
}

// PasswordGrant builds the form of a password grant.
func PasswordGrant(env Environment, username, password string) url.Values {
	return url.Values{
		"grant_type": {"password"},
		"client_id":  {env.ClientID},
		"username":   {username},
		"password":   {password},
	}
}

// RefreshGrant builds the form of a refresh grant.
func RefreshGrant(env Environment, refreshToken string) url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {env.ClientID},
		"refresh_token": {refreshToken},
	}
}

func (c *Client) do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func statusError(resp *transport.Response) *StatusError {
	body := string(resp.Body)
	if len(body) > 512 {
		// Drop a character cut in half.
		body = strings.ToValidUTF8(body[:512], "")
	}
	return &StatusError{
		Code:  resp.StatusCode,
		Cause: strings.TrimSpace(resp.Header.Get("X-Error-Cause")),
		Body:  body,
	}
}
