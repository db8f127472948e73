// Package simplefin talks to a SimpleFIN bridge. The protocol is small: a
// one-shot claim of a setup token yields an access URL with embedded Basic
// Auth credentials, and a single GET /accounts returns every account with
// its transactions.
package simplefin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pennywise/internal/core"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: defaultTimeout}}
}

// Payload is the bridge's /accounts response.
type Payload struct {
	Errors   []string  `json:"errors"`
	Accounts []Account `json:"accounts"`
}

type Account struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Currency         string        `json:"currency"`
	Balance          string        `json:"balance"`
	AvailableBalance string        `json:"available-balance"`
	BalanceDate      int64         `json:"balance-date"`
	Org              Org           `json:"org"`
	Transactions     []Transaction `json:"transactions"`
}

type Org struct {
	Name    string `json:"name"`
	Domain  string `json:"domain"`
	SFinURL string `json:"sfin-url"`
}

// Transaction amounts are signed decimal strings; negative is an outflow.
type Transaction struct {
	ID           string `json:"id"`
	Posted       int64  `json:"posted"`
	TransactedAt int64  `json:"transacted_at"`
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	Payee        string `json:"payee"`
	Memo         string `json:"memo"`
}

// DecodeSetupToken turns a base64 setup token into the claim URL inside it.
func DecodeSetupToken(setupToken string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(setupToken))
	if err != nil {
		return "", fmt.Errorf("%w: setup token is not valid base64", core.ErrValidation)
	}
	claimURL := strings.TrimSpace(string(raw))
	u, err := url.Parse(claimURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("%w: setup token does not contain a claim URL", core.ErrValidation)
	}
	return claimURL, nil
}

// ValidateAccessURL checks that the URL carries embedded credentials, which
// every bridge access URL must.
func ValidateAccessURL(accessURL string) error {
	u, err := url.Parse(accessURL)
	if err != nil {
		return fmt.Errorf("%w: malformed access url", core.ErrValidation)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: access url scheme must be http(s)", core.ErrValidation)
	}
	if u.Host == "" || u.User == nil || u.User.Username() == "" {
		return fmt.Errorf("%w: access url is missing credentials", core.ErrValidation)
	}
	if _, ok := u.User.Password(); !ok {
		return fmt.Errorf("%w: access url is missing credentials", core.ErrValidation)
	}
	return nil
}

// ClaimAccessURL exchanges a setup token for an access URL. The bridge
// honors each setup token exactly once.
func (c *Client) ClaimAccessURL(ctx context.Context, setupToken string) (string, error) {
	claimURL, err := DecodeSetupToken(setupToken)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claimURL, strings.NewReader(""))
	if err != nil {
		return "", fmt.Errorf("build claim request: %w", err)
	}
	// The bridge rejects chunked empty bodies.
	req.Header.Set("Content-Length", "0")
	req.ContentLength = 0

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: claim setup token: %v", core.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: read claim response: %v", core.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: claim returned status %d", core.ErrUpstream, resp.StatusCode)
	}

	accessURL := strings.TrimSpace(string(body))
	if err := ValidateAccessURL(accessURL); err != nil {
		return "", fmt.Errorf("%w: claim returned an unusable access url", core.ErrUpstream)
	}
	return accessURL, nil
}

// FetchAccounts pulls every account and its transactions in one request.
// A non-nil windowStart narrows the transaction window; the bridge still
// returns all accounts either way.
func (c *Client) FetchAccounts(ctx context.Context, accessURL string, windowStart *time.Time) (Payload, error) {
	endpoint := strings.TrimRight(accessURL, "/") + "/accounts"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("build accounts request: %w", err)
	}
	if windowStart != nil {
		q := req.URL.Query()
		q.Set("start-date", strconv.FormatInt(windowStart.Unix(), 10))
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: fetch accounts: %v", core.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("%w: accounts returned status %d", core.ErrUpstream, resp.StatusCode)
	}

	var payload Payload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Payload{}, fmt.Errorf("%w: decode accounts response: %v", core.ErrUpstream, err)
	}
	return payload, nil
}
