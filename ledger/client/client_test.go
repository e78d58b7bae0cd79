package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likhon-app/likhon/ledger"
)

func TestClient_GetBalance(t *testing.T) {
	t.Run("returns the authenticated user's credits", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/api/auth/me", r.URL.Path)
			assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

			json.NewEncoder(w).Encode(map[string]any{
				"user": map[string]any{"id": "user-1", "credits": 42},
			})
		}))
		defer server.Close()

		c := New(server.URL, "token-1")
		credits, err := c.GetBalance(context.Background(), "user-1")
		require.NoError(t, err)
		assert.EqualValues(t, 42, credits)
	})

	t.Run("token bound to a different user", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"user": map[string]any{"id": "someone-else", "credits": 42},
			})
		}))
		defer server.Close()

		c := New(server.URL, "token-1")
		_, err := c.GetBalance(context.Background(), "user-1")
		var lerr *ledger.LedgerError
		require.ErrorAs(t, err, &lerr)
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := New(server.URL, "token-1")
		_, err := c.GetBalance(context.Background(), "user-1")
		var lerr *ledger.LedgerError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, http.StatusInternalServerError, lerr.StatusCode)
	})
}

func TestClient_Adjust(t *testing.T) {
	t.Run("successful decrement returns confirmed balance", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/credits/adjust", r.URL.Path)
			assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

			var req adjustRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.EqualValues(t, -1, req.Amount)
			assert.Equal(t, "usage", req.Type)

			json.NewEncoder(w).Encode(map[string]any{"credits": 7})
		}))
		defer server.Close()

		c := New(server.URL, "token-1")
		balance, err := c.Adjust(context.Background(), "user-1", ledger.Adjustment{
			Delta: -1, Type: ledger.TxUsage, Description: "usage",
		})
		require.NoError(t, err)
		assert.EqualValues(t, 7, balance)
	})

	t.Run("402 maps to ErrInsufficientCredits", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]any{"error": "insufficient credits"})
		}))
		defer server.Close()

		c := New(server.URL, "token-1")
		_, err := c.Adjust(context.Background(), "user-1", ledger.Adjustment{Delta: -1, Type: ledger.TxUsage})
		assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	})

	t.Run("other failures are ledger errors with the server's message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "amount must be non-zero"})
		}))
		defer server.Close()

		c := New(server.URL, "token-1")
		_, err := c.Adjust(context.Background(), "user-1", ledger.Adjustment{Delta: 0, Type: ledger.TxUsage})
		var lerr *ledger.LedgerError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, http.StatusBadRequest, lerr.StatusCode)
		assert.Contains(t, lerr.Error(), "amount must be non-zero")
	})

	t.Run("unreachable server", func(t *testing.T) {
		c := New("http://127.0.0.1:1", "token-1")
		_, err := c.Adjust(context.Background(), "user-1", ledger.Adjustment{Delta: -1, Type: ledger.TxUsage})
		var lerr *ledger.LedgerError
		require.ErrorAs(t, err, &lerr)
		assert.NotErrorIs(t, err, ledger.ErrInsufficientCredits)
	})
}
