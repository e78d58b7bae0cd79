package likhon

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/likhon-app/likhon/billing"
	"github.com/likhon-app/likhon/ledger"
	ledgerclient "github.com/likhon-app/likhon/ledger/client"
	"github.com/likhon-app/likhon/metrics"
	"github.com/likhon-app/likhon/providers"
	"github.com/likhon-app/likhon/transcribe"
)

// Outbound websocket message types.
const (
	MessageTranscript          = "transcript"
	MessageBalance             = "balance"
	MessageInsufficientCredits = "insufficient_credits"
	MessageBillingError        = "billing_error"
)

// WebSocketRequest carries one chunk of captured audio.
type WebSocketRequest struct {
	Buf []byte `json:"buf"`
}

// WebSocketResponse is an outbound event: a final transcript, a post-charge
// balance update, or a billing termination notice.
type WebSocketResponse struct {
	Type       string  `json:"type"`
	Sentence   string  `json:"sentence,omitempty"`
	Confidence float32 `json:"confidence,omitempty"`
	Credits    int64   `json:"credits,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// WebConn is one metered transcription connection: the websocket, the
// transcription session controller and the billing coordinator that keeps
// them in lockstep.
type WebConn struct {
	conn        *websocket.Conn
	log         *log.Logger
	user        *ledger.User
	language    string
	controller  *transcribe.Controller
	coordinator *billing.Coordinator
	store       historyStore
	startedAt   time.Time

	writeMu sync.Mutex

	mu         sync.Mutex
	transcript []string
	confidence float32
}

type historyStore interface {
	SaveHistory(ctx context.Context, h *ledger.HistoryEntry) error
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	user, err := s.store.GetUserByToken(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	provider, language, err := s.providers.ForLanguage(r.URL.Query().Get("language"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("WebSocket upgrade failed: %v\n", err)
		return
	}

	controller := transcribe.NewController(provider, providers.SessionConfig{
		SampleRate:   s.cfg.Providers.SampleRate,
		LanguageCode: language,
	}, s.log)

	// With a remote ledger each connection charges through its own user's
	// bearer token; otherwise the local store is the authority.
	svc := s.ledger
	if s.cfg.Ledger.RemoteURL != "" {
		svc = ledgerclient.New(s.cfg.Ledger.RemoteURL, token)
	}

	cache := billing.NewBalanceCache(user.Credits)
	client := billing.NewClient(svc, cache, user.ID)
	coordinator := billing.NewCoordinator(controller, client, s.cfg.Billing.QuantumDuration(), s.log)

	webConn := &WebConn{
		conn:        conn,
		log:         s.log,
		user:        user,
		language:    language,
		controller:  controller,
		coordinator: coordinator,
		store:       s.store,
		startedAt:   time.Now(),
	}

	controller.OnResult(webConn.handleResult)
	coordinator.OnCharge(webConn.handleCharge)
	coordinator.OnInsufficientCredits(webConn.handleInsufficientCredits)
	coordinator.OnBillingError(webConn.handleBillingError)

	// The provider session must outlive this request's context once the
	// connection is hijacked.
	webConn.Start(context.Background())
}

// Start opens the metered session and pumps inbound audio until the client
// disconnects or billing terminates the session.
func (wc *WebConn) Start(ctx context.Context) {
	defer wc.teardown()

	if err := wc.coordinator.StartSession(ctx); err != nil {
		if !errors.Is(err, ledger.ErrInsufficientCredits) {
			wc.log.Printf("Failed to start metered session: %v\n", err)
		}
		// The insufficient-credits notice has already been sent by the
		// coordinator callback.
		return
	}

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	wc.reader()
}

// reader pumps audio frames into the transcription session.
func (wc *WebConn) reader() {
	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wc.log.Printf("WebSocket read error: %v\n", err)
			}
			return
		}

		var req WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			wc.log.Printf("Failed to unmarshal WebSocket message: %v\n", err)
			continue
		}

		if err := wc.controller.SendAudio(req.Buf); err != nil {
			if errors.Is(err, transcribe.ErrSessionClosed) {
				return
			}
			wc.log.Printf("Audio send failed: %v\n", err)
		}
	}
}

// teardown stops billing before the capture feed is torn down, saves the
// session transcript and closes the socket.
func (wc *WebConn) teardown() {
	wc.coordinator.StopSession()
	wc.saveHistory()
	wc.conn.Close()
}

func (wc *WebConn) handleResult(result providers.TranscriptionResult) {
	if !result.IsFinal {
		return
	}
	metrics.TranscriptionResults.WithLabelValues(result.ProviderName).Inc()

	wc.mu.Lock()
	wc.transcript = append(wc.transcript, result.Text)
	wc.confidence = result.Confidence
	wc.mu.Unlock()

	wc.send(WebSocketResponse{
		Type:       MessageTranscript,
		Sentence:   result.Text,
		Confidence: result.Confidence,
	})
}

func (wc *WebConn) handleCharge(newBalance int64) {
	metrics.CreditsCharged.Inc()
	wc.send(WebSocketResponse{
		Type:    MessageBalance,
		Credits: newBalance,
	})
}

func (wc *WebConn) handleInsufficientCredits() {
	metrics.SessionsTotal.WithLabelValues("insufficient_credits").Inc()
	wc.send(WebSocketResponse{
		Type:  MessageInsufficientCredits,
		Error: "insufficient credits",
	})
	// Unblock the reader; the client has been told why.
	wc.conn.Close()
}

func (wc *WebConn) handleBillingError(err error) {
	metrics.SessionsTotal.WithLabelValues("billing_error").Inc()
	wc.send(WebSocketResponse{
		Type:  MessageBillingError,
		Error: err.Error(),
	})
	wc.conn.Close()
}

// send serializes writes: transcript, balance and billing events arrive from
// different goroutines and gorilla allows one concurrent writer.
func (wc *WebConn) send(resp WebSocketResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		wc.log.Printf("Failed to marshal response: %v\n", err)
		return
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		wc.log.Printf("WebSocket write error: %v\n", err)
	}
}

func (wc *WebConn) saveHistory() {
	wc.mu.Lock()
	text := strings.Join(wc.transcript, " ")
	confidence := wc.confidence
	wc.mu.Unlock()

	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := wc.store.SaveHistory(ctx, &ledger.HistoryEntry{
		UserID:     wc.user.ID,
		Text:       text,
		Type:       "live",
		Language:   wc.language,
		Duration:   time.Since(wc.startedAt).Seconds(),
		Confidence: confidence,
	})
	if err != nil {
		wc.log.Printf("Failed to save transcription history: %v\n", err)
	}
}
