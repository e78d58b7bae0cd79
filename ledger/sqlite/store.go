// Package sqlite is the authoritative, persistent ledger store. All balance
// changes go through Adjust inside a single transaction so that concurrent
// sessions for one user serialize at the store, never at the client.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/likhon-app/likhon/ledger"
)

const timeFormat = time.RFC3339Nano

// Store wraps a SQLite database holding users, the credit transaction log,
// payments, session tokens and transcription history.
type Store struct {
	db *sql.DB
}

// Migrations returns the schema statements. Each string is a single SQL
// statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			credits       INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			plan          TEXT NOT NULL DEFAULT 'free',
			status        TEXT NOT NULL DEFAULT 'user',
			created_at    TEXT NOT NULL,
			last_login    TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL REFERENCES users(id),
			amount             INTEGER NOT NULL,
			type               TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			related_payment_id TEXT,
			timestamp          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_user ON credit_transactions(user_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL REFERENCES users(id),
			user_name      TEXT NOT NULL,
			user_email     TEXT NOT NULL,
			phone_number   TEXT NOT NULL,
			transaction_id TEXT NOT NULL UNIQUE,
			amount         INTEGER NOT NULL,
			credits        INTEGER NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			created_at     TEXT NOT NULL,
			approved_at    TEXT,
			approved_by    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS session_tokens (
			token      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS transcription_history (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			text       TEXT NOT NULL,
			type       TEXT NOT NULL,
			file_name  TEXT,
			language   TEXT NOT NULL,
			duration   REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			timestamp  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON transcription_history(user_id, timestamp)`,
	}
}

// Open opens (or creates) the database at the given path and applies the
// schema. Pass ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer at a time; a single connection sidesteps
	// SQLITE_BUSY and gives Adjust its serialization guarantee.
	db.SetMaxOpenConns(1)

	for _, stmt := range Migrations() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Users ──────────────────────────────────────────────────────────────────

// CreateUser inserts a new account with the starting credit grant and logs
// the grant as a bonus transaction.
func (s *Store) CreateUser(ctx context.Context, email, name, passwordHash string) (*ledger.User, error) {
	now := time.Now().UTC()
	u := &ledger.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		Credits:   ledger.StartingCredits,
		Plan:      "free",
		Status:    "user",
		CreatedAt: now,
		LastLogin: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, credits, plan, status, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Name, passwordHash, u.Credits, u.Plan, u.Status,
		now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.ErrUserExists
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), u.ID, int64(ledger.StartingCredits), string(ledger.TxBonus),
		"Welcome credits", now.Format(timeFormat))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*ledger.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, credits, plan, status, created_at, last_login
		FROM users WHERE id = ?
	`, userID))
}

// GetUserByEmail retrieves a user and their password hash by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*ledger.User, string, error) {
	var (
		u                    ledger.User
		hash                 string
		createdAt, lastLogin string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, credits, plan, status, created_at, last_login
		FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.Name, &hash, &u.Credits, &u.Plan, &u.Status, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, "", err
	}
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	u.LastLogin, _ = time.Parse(timeFormat, lastLogin)
	return &u, hash, nil
}

// SetUserStatus changes a user's role, e.g. promoting an account to "admin".
func (s *Store) SetUserStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, status, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

// TouchLastLogin stamps the user's last login time.
func (s *Store) TouchLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`,
		time.Now().UTC().Format(timeFormat), userID)
	return err
}

// ListUsers returns all users, newest first. Admin view.
func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, credits, plan, status, created_at, last_login
		FROM users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []ledger.User{}
	for rows.Next() {
		u, err := s.scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ─── Session tokens ─────────────────────────────────────────────────────────

// CreateToken issues an opaque bearer token for the user.
func (s *Store) CreateToken(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tokens (token, user_id, created_at) VALUES (?, ?, ?)
	`, token, userID, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetUserByToken resolves a bearer token to its user.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*ledger.User, error) {
	u, err := s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.name, u.credits, u.plan, u.status, u.created_at, u.last_login
		FROM session_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token = ?
	`, token))
	if errors.Is(err, ledger.ErrUserNotFound) {
		return nil, ledger.ErrInvalidToken
	}
	return u, err
}

// DeleteToken revokes a bearer token. Deleting an unknown token is a no-op.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE token = ?`, token)
	return err
}

// ─── Balance + transaction log (ledger.Service) ─────────────────────────────

// GetBalance implements ledger.Service.
func (s *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUserNotFound
	}
	return credits, err
}

// Adjust implements ledger.Service. The read, clamp, update and transaction
// append happen inside one database transaction; the returned balance is the
// committed value. Decrements clamp at zero with the effective delta logged.
// A decrement against an already-zero balance performs no write and returns
// ErrInsufficientCredits.
func (s *Store) Adjust(ctx context.Context, userID string, adj ledger.Adjustment) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var credits int64
	err = tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}

	applied := adj.Delta
	if applied < 0 {
		if credits == 0 {
			return 0, ledger.ErrInsufficientCredits
		}
		if credits+applied < 0 {
			applied = -credits
		}
	}
	newBalance := credits + applied

	if _, err := tx.ExecContext(ctx, `UPDATE users SET credits = ? WHERE id = ?`, newBalance, userID); err != nil {
		return 0, err
	}

	var relatedID any
	if adj.RelatedPaymentID != "" {
		relatedID = adj.RelatedPaymentID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, related_payment_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), userID, applied, string(adj.Type), adj.Description, relatedID,
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// ListTransactions returns a user's credit log, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, description, related_payment_id, timestamp
		FROM credit_transactions WHERE user_id = ? ORDER BY timestamp DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		var (
			t         ledger.Transaction
			related   sql.NullString
			timestamp string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &related, &timestamp); err != nil {
			return nil, err
		}
		t.RelatedPaymentID = related.String
		t.Timestamp, _ = time.Parse(timeFormat, timestamp)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ─── Payments ───────────────────────────────────────────────────────────────

// CreatePayment records a pending mobile-money top-up. The mobile-money
// transaction ID is unique across all payments.
func (s *Store) CreatePayment(ctx context.Context, p *ledger.Payment) error {
	p.ID = uuid.NewString()
	p.Status = ledger.PaymentPending
	p.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, user_name, user_email, phone_number, transaction_id, amount, credits, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.UserName, p.UserEmail, p.PhoneNumber, p.TransactionID,
		p.Amount, p.Credits, string(p.Status), p.CreatedAt.Format(timeFormat))
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateTransactionID
	}
	return err
}

// ListPayments returns payments, newest first. An empty userID lists all
// payments (admin view).
func (s *Store) ListPayments(ctx context.Context, userID string) ([]ledger.Payment, error) {
	query := `
		SELECT id, user_id, user_name, user_email, phone_number, transaction_id, amount, credits, status, created_at, approved_at, approved_by
		FROM payments`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []ledger.Payment{}
	for rows.Next() {
		var (
			p                      ledger.Payment
			createdAt              string
			approvedAt, approvedBy sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.UserName, &p.UserEmail, &p.PhoneNumber,
			&p.TransactionID, &p.Amount, &p.Credits, &p.Status, &createdAt, &approvedAt, &approvedBy); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if approvedAt.Valid {
			t, _ := time.Parse(timeFormat, approvedAt.String)
			p.ApprovedAt = &t
		}
		p.ApprovedBy = approvedBy.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ResolvePayment approves or rejects a pending payment. Approval credits the
// user and appends the purchase transaction in the same database transaction
// as the status flip. Resolving an already-resolved payment is a no-op that
// returns the stored record, so a retried approval can never double-credit.
func (s *Store) ResolvePayment(ctx context.Context, paymentID, adminName string, approve bool) (*ledger.Payment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		p         ledger.Payment
		createdAt string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, user_name, user_email, phone_number, transaction_id, amount, credits, status, created_at
		FROM payments WHERE id = ?
	`, paymentID).Scan(&p.ID, &p.UserID, &p.UserName, &p.UserEmail, &p.PhoneNumber,
		&p.TransactionID, &p.Amount, &p.Credits, &p.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(timeFormat, createdAt)

	if p.Status != ledger.PaymentPending {
		return &p, tx.Commit()
	}

	now := time.Now().UTC()
	status := ledger.PaymentRejected
	if approve {
		status = ledger.PaymentApproved
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = ?, approved_at = ?, approved_by = ? WHERE id = ?
	`, string(status), now.Format(timeFormat), adminName, paymentID)
	if err != nil {
		return nil, err
	}

	if approve {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET credits = credits + ? WHERE id = ?`, p.Credits, p.UserID); err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, user_id, amount, type, description, related_payment_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), p.UserID, p.Credits, string(ledger.TxPurchase),
			fmt.Sprintf("Payment %s approved", p.TransactionID), p.ID, now.Format(timeFormat))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	p.Status = status
	p.ApprovedAt = &now
	p.ApprovedBy = adminName
	return &p, nil
}

// ─── Transcription history ──────────────────────────────────────────────────

// SaveHistory appends a transcription history entry.
func (s *Store) SaveHistory(ctx context.Context, h *ledger.HistoryEntry) error {
	h.ID = uuid.NewString()
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	var fileName any
	if h.FileName != "" {
		fileName = h.FileName
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcription_history (id, user_id, text, type, file_name, language, duration, confidence, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.UserID, h.Text, h.Type, fileName, h.Language, h.Duration, h.Confidence,
		h.Timestamp.Format(timeFormat))
	return err
}

// ListHistory returns a user's saved transcriptions, newest first.
func (s *Store) ListHistory(ctx context.Context, userID string) ([]ledger.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, text, type, file_name, language, duration, confidence, timestamp
		FROM transcription_history WHERE user_id = ? ORDER BY timestamp DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ledger.HistoryEntry{}
	for rows.Next() {
		var (
			h         ledger.HistoryEntry
			fileName  sql.NullString
			timestamp string
		)
		if err := rows.Scan(&h.ID, &h.UserID, &h.Text, &h.Type, &fileName, &h.Language,
			&h.Duration, &h.Confidence, &timestamp); err != nil {
			return nil, err
		}
		h.FileName = fileName.String
		h.Timestamp, _ = time.Parse(timeFormat, timestamp)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// ─── helpers ────────────────────────────────────────────────────────────────

func (s *Store) scanUser(row *sql.Row) (*ledger.User, error) {
	var (
		u                    ledger.User
		createdAt, lastLogin string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Credits, &u.Plan, &u.Status, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	u.LastLogin, _ = time.Parse(timeFormat, lastLogin)
	return &u, nil
}

func (s *Store) scanUserRow(rows *sql.Rows) (*ledger.User, error) {
	var (
		u                    ledger.User
		createdAt, lastLogin string
	)
	if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Credits, &u.Plan, &u.Status, &createdAt, &lastLogin); err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	u.LastLogin, _ = time.Parse(timeFormat, lastLogin)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the error text;
	// there is no exported error type to match on.
	return strings.Contains(err.Error(), "constraint failed")
}
