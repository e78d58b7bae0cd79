// Package api exposes the REST surface: account auth, the credit adjustment
// endpoint the remote metering client charges against, mobile-money payment
// submission and approval, and transcription history.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/likhon-app/likhon/ledger"
	"github.com/likhon-app/likhon/ledger/sqlite"
	"github.com/likhon-app/likhon/metrics"
)

// phoneRe validates Bangladeshi mobile-money numbers.
var phoneRe = regexp.MustCompile(`^(\+88)?01[3-9]\d{8}$`)

// API serves the JSON endpoints backed by the ledger store.
type API struct {
	store *sqlite.Store
	log   *log.Logger
}

// New creates the REST API.
func New(store *sqlite.Store, logger *log.Logger) *API {
	return &API{store: store, log: logger}
}

// Routes returns the router, mounted under /api by the server.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/register", a.handleRegister)
	r.Post("/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/auth/me", a.handleMe)
		r.Post("/auth/logout", a.handleLogout)

		r.Post("/credits/adjust", a.handleAdjustCredits)
		r.Get("/credits/transactions", a.handleListTransactions)

		r.Post("/payments", a.handleSubmitPayment)
		r.Get("/payments", a.handleListPayments)

		r.Get("/history", a.handleListHistory)
		r.Post("/history", a.handleSaveHistory)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Get("/admin/users", a.handleAdminUsers)
			r.Get("/admin/payments", a.handleAdminPayments)
			r.Post("/admin/payments", a.handleResolvePayment)
		})
	})

	return r
}

// ─── Auth ───────────────────────────────────────────────────────────────────

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		a.serverError(w, err)
		return
	}

	user, err := a.store.CreateUser(r.Context(), req.Email, req.Name, hash)
	if errors.Is(err, ledger.ErrUserExists) {
		writeError(w, http.StatusBadRequest, "user already exists")
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}

	token, err := a.store.CreateToken(r.Context(), user.ID)
	if err != nil {
		a.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"token": token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, hash, err := a.store.GetUserByEmail(r.Context(), req.Email)
	if errors.Is(err, ledger.ErrUserNotFound) || (err == nil && !checkPassword(hash, req.Password)) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}

	if err := a.store.TouchLastLogin(r.Context(), user.ID); err != nil {
		a.log.Printf("Failed to stamp last login: %v", err)
	}

	token, err := a.store.CreateToken(r.Context(), user.ID)
	if err != nil {
		a.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"token": token,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	// Re-read so the response carries the current balance, not the one
	// cached at token resolution.
	user, err := a.store.GetUser(r.Context(), currentUser(r).ID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteToken(r.Context(), bearerToken(r)); err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ─── Credits ────────────────────────────────────────────────────────────────

type adjustRequest struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (a *API) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	txType := ledger.TransactionType(req.Type)
	switch txType {
	case ledger.TxPurchase, ledger.TxUsage, ledger.TxBonus:
	case "":
		txType = ledger.TxUsage
	default:
		writeError(w, http.StatusBadRequest, "invalid transaction type")
		return
	}

	description := req.Description
	if description == "" {
		description = "Credit usage"
	}

	newBalance, err := a.store.Adjust(r.Context(), currentUser(r).ID, ledger.Adjustment{
		Delta:       req.Amount,
		Type:        txType,
		Description: description,
	})
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		metrics.LedgerAdjustments.WithLabelValues(string(txType), "insufficient").Inc()
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	case err != nil:
		metrics.LedgerAdjustments.WithLabelValues(string(txType), "error").Inc()
		a.serverError(w, err)
		return
	}

	metrics.LedgerAdjustments.WithLabelValues(string(txType), "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"credits": newBalance,
		"success": true,
	})
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := a.store.ListTransactions(r.Context(), currentUser(r).ID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// ─── Payments ───────────────────────────────────────────────────────────────

type paymentRequest struct {
	PhoneNumber   string `json:"phoneNumber"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Credits       int64  `json:"credits"`
}

func (a *API) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PhoneNumber == "" || req.TransactionID == "" || req.Amount <= 0 || req.Credits <= 0 {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}
	if !phoneRe.MatchString(req.PhoneNumber) {
		writeError(w, http.StatusBadRequest, "invalid phone number format")
		return
	}

	user := currentUser(r)
	payment := &ledger.Payment{
		UserID:        user.ID,
		UserName:      user.Name,
		UserEmail:     user.Email,
		PhoneNumber:   req.PhoneNumber,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Credits:       req.Credits,
	}

	err := a.store.CreatePayment(r.Context(), payment)
	if errors.Is(err, ledger.ErrDuplicateTransactionID) {
		writeError(w, http.StatusBadRequest, "transaction ID already exists")
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"paymentId": payment.ID,
		"status":    payment.Status,
		"message":   "Payment submitted for approval",
	})
}

func (a *API) handleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := a.store.ListPayments(r.Context(), currentUser(r).ID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

// ─── History ────────────────────────────────────────────────────────────────

type historyRequest struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	FileName   string  `json:"fileName"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
	Confidence float32 `json:"confidence"`
}

func (a *API) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing text")
		return
	}
	if req.Type != "live" && req.Type != "file" {
		writeError(w, http.StatusBadRequest, "invalid history type")
		return
	}

	entry := &ledger.HistoryEntry{
		UserID:     currentUser(r).ID,
		Text:       req.Text,
		Type:       req.Type,
		FileName:   req.FileName,
		Language:   req.Language,
		Duration:   req.Duration,
		Confidence: req.Confidence,
	}
	if err := a.store.SaveHistory(r.Context(), entry); err != nil {
		a.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": entry.ID, "success": true})
}

func (a *API) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.ListHistory(r.Context(), currentUser(r).ID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// ─── Admin ──────────────────────────────────────────────────────────────────

func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleAdminPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := a.store.ListPayments(r.Context(), "")
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

type resolvePaymentRequest struct {
	PaymentID string `json:"paymentId"`
	Action    string `json:"action"`
}

func (a *API) handleResolvePayment(w http.ResponseWriter, r *http.Request) {
	var req resolvePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action != "approve" && req.Action != "reject" {
		writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	payment, err := a.store.ResolvePayment(r.Context(), req.PaymentID, currentUser(r).Name, req.Action == "approve")
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"payment": payment})
}

// ─── helpers ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) serverError(w http.ResponseWriter, err error) {
	a.log.Printf("Internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
