// Package client implements ledger.Service over the REST API, for
// deployments where the ledger runs as a separate service. A Client is bound
// to one user's bearer token; the server resolves the user from the token and
// never trusts the client's view of the current balance.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/likhon-app/likhon/ledger"
)

// Client talks to a remote ledger over HTTP.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New creates a ledger client for the given base URL and bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

type meResponse struct {
	User struct {
		ID      string `json:"id"`
		Credits int64  `json:"credits"`
	} `json:"user"`
}

type adjustRequest struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type adjustResponse struct {
	Credits int64  `json:"credits"`
	Error   string `json:"error"`
}

// GetBalance implements ledger.Service. The token identifies the user; a
// mismatched userID means the caller wired the wrong client.
func (c *Client) GetBalance(ctx context.Context, userID string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/me", nil)
	if err != nil {
		return 0, &ledger.LedgerError{Op: "get balance", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, &ledger.LedgerError{Op: "get balance", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &ledger.LedgerError{Op: "get balance", StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return 0, &ledger.LedgerError{Op: "get balance", Err: err}
	}
	if userID != "" && me.User.ID != userID {
		return 0, &ledger.LedgerError{Op: "get balance", Err: fmt.Errorf("token belongs to user %s, not %s", me.User.ID, userID)}
	}
	return me.User.Credits, nil
}

// Adjust implements ledger.Service. A 402 response maps to
// ErrInsufficientCredits; every other failure is a *ledger.LedgerError.
func (c *Client) Adjust(ctx context.Context, userID string, adj ledger.Adjustment) (int64, error) {
	body, err := json.Marshal(adjustRequest{
		Amount:      adj.Delta,
		Type:        string(adj.Type),
		Description: adj.Description,
	})
	if err != nil {
		return 0, &ledger.LedgerError{Op: "adjust", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/credits/adjust", bytes.NewReader(body))
	if err != nil {
		return 0, &ledger.LedgerError{Op: "adjust", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, &ledger.LedgerError{Op: "adjust", Err: err}
	}
	defer resp.Body.Close()

	var out adjustResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	switch resp.StatusCode {
	case http.StatusOK:
		if decodeErr != nil {
			return 0, &ledger.LedgerError{Op: "adjust", Err: decodeErr}
		}
		return out.Credits, nil
	case http.StatusPaymentRequired:
		return 0, ledger.ErrInsufficientCredits
	default:
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return 0, &ledger.LedgerError{Op: "adjust", StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
}
