package likhon

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likhon-app/likhon/config"
	"github.com/likhon-app/likhon/ledger"
	"github.com/likhon-app/likhon/ledger/sqlite"
	"github.com/likhon-app/likhon/providers"
)

// fakeSession is a scriptable provider session for websocket tests.
type fakeSession struct {
	mu      sync.Mutex
	results chan providers.TranscriptionResult
	audio   [][]byte
	closed  bool
}

func (f *fakeSession) SendAudio(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeSession) ReceiveTranscription() (providers.TranscriptionResult, error) {
	result, ok := <-f.results
	if !ok {
		return providers.TranscriptionResult{}, io.EOF
	}
	return result, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.results)
	}
	return nil
}

type fakeProvider struct {
	name string

	mu      sync.Mutex
	session *fakeSession
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) NewSession(ctx context.Context, config providers.SessionConfig) (providers.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = &fakeSession{results: make(chan providers.TranscriptionResult, 10)}
	return f.session, nil
}

func (f *fakeProvider) currentSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

type wsFixture struct {
	store    *sqlite.Store
	provider *fakeProvider
	server   *httptest.Server
	user     *ledger.User
	token    string
}

// newWSFixture spins up the full handler stack with a fast billing quantum
// and one registered user.
func newWSFixture(t *testing.T, quantum string) *wsFixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	user, err := store.CreateUser(context.Background(), "alice@example.com", "Alice", "hash")
	require.NoError(t, err)
	token, err := store.CreateToken(context.Background(), user.ID)
	require.NoError(t, err)

	provider := &fakeProvider{}
	set := NewProviderSet("en-US")
	set.Register(provider)
	set.MapLanguage("en-US", "fake")

	cfg := config.DefaultConfig()
	cfg.Billing.Quantum = quantum
	cfg.Metrics.Enabled = false

	s := New(cfg, store, store, set)
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)

	return &wsFixture{store: store, provider: provider, server: server, user: user, token: token}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + f.token + "&language=en-US"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

// drainBalance leaves the user with exactly `credits` left.
func (f *wsFixture) drainBalance(t *testing.T, credits int64) {
	t.Helper()
	_, err := f.store.Adjust(context.Background(), f.user.ID, ledger.Adjustment{
		Delta: -(ledger.StartingCredits - credits), Type: ledger.TxUsage,
	})
	require.NoError(t, err)
}

// readUntil reads responses until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WebSocketResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		var resp WebSocketResponse
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("Connection closed while waiting for %q: %v", msgType, err)
		}
		if resp.Type == msgType {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %q", msgType)
		}
	}
}

func TestWebSocket_TranscriptFlow(t *testing.T) {
	f := newWSFixture(t, "10s") // quantum far beyond test duration
	conn := f.dial(t)
	defer conn.Close()

	// Audio reaches the provider session.
	require.NoError(t, conn.WriteJSON(WebSocketRequest{Buf: []byte("pcm-audio")}))
	require.Eventually(t, func() bool {
		session := f.provider.currentSession()
		if session == nil {
			return false
		}
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.audio) == 1
	}, 2*time.Second, 10*time.Millisecond)

	session := f.provider.currentSession()
	session.results <- providers.TranscriptionResult{
		Text: "hello there", IsFinal: true, Confidence: 0.93, ProviderName: "fake",
	}
	// Interim results never reach the client.
	session.results <- providers.TranscriptionResult{
		Text: "partial", IsFinal: false, ProviderName: "fake",
	}
	session.results <- providers.TranscriptionResult{
		Text: "general kenobi", IsFinal: true, Confidence: 0.88, ProviderName: "fake",
	}

	first := readUntil(t, conn, MessageTranscript)
	assert.Equal(t, "hello there", first.Sentence)
	assert.InDelta(t, 0.93, first.Confidence, 0.001)

	second := readUntil(t, conn, MessageTranscript)
	assert.Equal(t, "general kenobi", second.Sentence)
}

func TestWebSocket_ChargesPerQuantum(t *testing.T) {
	f := newWSFixture(t, "50ms")
	conn := f.dial(t)
	defer conn.Close()

	first := readUntil(t, conn, MessageBalance)
	assert.EqualValues(t, ledger.StartingCredits-1, first.Credits)

	second := readUntil(t, conn, MessageBalance)
	assert.EqualValues(t, ledger.StartingCredits-2, second.Credits)

	// The charges are in the ledger, not just the cache.
	balance, err := f.store.GetBalance(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Less(t, balance, int64(ledger.StartingCredits))
}

func TestWebSocket_InsufficientCreditsAtConnect(t *testing.T) {
	f := newWSFixture(t, "50ms")
	f.drainBalance(t, 0)

	conn := f.dial(t)
	defer conn.Close()

	resp := readUntil(t, conn, MessageInsufficientCredits)
	assert.Equal(t, "insufficient credits", resp.Error)

	// No provider session was ever opened.
	assert.Nil(t, f.provider.currentSession())
}

func TestWebSocket_SessionEndsWhenCreditsRunOut(t *testing.T) {
	f := newWSFixture(t, "40ms")
	f.drainBalance(t, 2)

	conn := f.dial(t)
	defer conn.Close()

	// Both remaining credits get charged, then the terminal notice arrives.
	balance := readUntil(t, conn, MessageBalance)
	assert.EqualValues(t, 1, balance.Credits)

	resp := readUntil(t, conn, MessageInsufficientCredits)
	assert.Equal(t, "insufficient credits", resp.Error)

	// The server tears the session down; the read eventually fails.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var discard WebSocketResponse
		if err := conn.ReadJSON(&discard); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		session := f.provider.currentSession()
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.closed
	}, 2*time.Second, 10*time.Millisecond)

	balanceAfter, err := f.store.GetBalance(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, balanceAfter)
}

func TestWebSocket_Unauthorized(t *testing.T) {
	f := newWSFixture(t, "10s")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestWebSocket_UnknownLanguage(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	user, err := store.CreateUser(context.Background(), "alice@example.com", "Alice", "hash")
	require.NoError(t, err)
	token, err := store.CreateToken(context.Background(), user.ID)
	require.NoError(t, err)

	// Two registered providers: no sole-provider fallback for unmapped
	// languages.
	set := NewProviderSet("en-US")
	set.Register(&fakeProvider{name: "fake"})
	set.Register(&fakeProvider{name: "other"})
	set.MapLanguage("en-US", "fake")

	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false

	server := httptest.NewServer(New(cfg, store, store, set).Handler())
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token + "&language=xx-XX"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestWebSocket_HistorySavedOnDisconnect(t *testing.T) {
	f := newWSFixture(t, "10s")
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(WebSocketRequest{Buf: []byte("pcm")}))
	require.Eventually(t, func() bool {
		return f.provider.currentSession() != nil
	}, 2*time.Second, 10*time.Millisecond)

	session := f.provider.currentSession()
	session.results <- providers.TranscriptionResult{Text: "first sentence", IsFinal: true, ProviderName: "fake"}
	session.results <- providers.TranscriptionResult{Text: "second sentence", IsFinal: true, ProviderName: "fake"}

	readUntil(t, conn, MessageTranscript)
	readUntil(t, conn, MessageTranscript)

	conn.Close()

	require.Eventually(t, func() bool {
		entries, err := f.store.ListHistory(context.Background(), f.user.ID)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := f.store.ListHistory(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "first sentence second sentence", entries[0].Text)
	assert.Equal(t, "live", entries[0].Type)
	assert.Equal(t, "en-US", entries[0].Language)
}
