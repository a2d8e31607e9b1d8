// Package pairing implements the pairing-code handshake used by the
// "pairing" DM policy. Unknown senders receive a short code; the operator
// approves it from the CLI, after which the sender is allowed through.
package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/nextlevelbuilder/clawdbot/internal/security"
)

// ErrNotFound is returned when a pairing code or sender has no record.
var ErrNotFound = errors.New("pairing: not found")

// codeTTL is how long a pending pairing code stays redeemable.
const codeTTL = time.Hour

// maxPendingPerChannel caps outstanding requests so a stranger cannot
// fill the table by spamming the bot.
const maxPendingPerChannel = 32

// codeAlphabet avoids ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

// Request is a pending pairing request awaiting operator approval.
type Request struct {
	Code      string
	SenderID  string
	Channel   string
	ChatID    string
	AccountID string
	CreatedAt time.Time
}

// Pairing is an approved sender.
type Pairing struct {
	SenderID   string
	Channel    string
	ChatID     string
	AccountID  string
	ApprovedAt time.Time
}

// Store persists pairing state in a local SQLite file.
// All goroutines serialize through a single connection, which keeps
// concurrent writers from hitting SQLITE_BUSY.
type Store struct {
	db    *sql.DB
	audit *security.AuditLog
}

// Open opens (creating if needed) the pairing database at dbPath and
// ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("pairing: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("pairing: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS pairings (
			sender_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT 'default',
			approved_at INTEGER NOT NULL,
			PRIMARY KEY (sender_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS pairing_requests (
			code TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT 'default',
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("pairing: create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_pairing_requests_sender ON pairing_requests(sender_id, channel)`)
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetAudit routes pairing lifecycle events (requested, approved, revoked)
// into the audit log. A nil log disables auditing.
func (s *Store) SetAudit(a *security.AuditLog) { s.audit = a }

func (s *Store) auditEvent(action, senderID, channel string) {
	s.audit.Record(security.AuditPairingEvent, map[string]any{
		"action":    action,
		"sender_id": senderID,
		"channel":   channel,
	})
}

// IsPaired reports whether the sender has been approved on the channel.
func (s *Store) IsPaired(senderID, channel string) bool {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM pairings WHERE sender_id = ? AND channel = ?`,
		senderID, channel,
	).Scan(&one)
	return err == nil
}

// RequestPairing records a pairing request and returns the code the
// sender should relay to the operator. Re-requesting before the previous
// code expires returns the same code instead of minting a new one.
func (s *Store) RequestPairing(senderID, channel, chatID, accountID string) (string, error) {
	if accountID == "" {
		accountID = "default"
	}
	now := time.Now()
	cutoff := now.Add(-codeTTL).Unix()

	// Drop expired codes first so the pending cap counts live ones only.
	if _, err := s.db.Exec(`DELETE FROM pairing_requests WHERE created_at < ?`, cutoff); err != nil {
		return "", fmt.Errorf("pairing: prune expired: %w", err)
	}

	var existing string
	err := s.db.QueryRow(
		`SELECT code FROM pairing_requests WHERE sender_id = ? AND channel = ? ORDER BY created_at DESC LIMIT 1`,
		senderID, channel,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("pairing: lookup request: %w", err)
	}

	var pending int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pairing_requests WHERE channel = ?`, channel,
	).Scan(&pending); err != nil {
		return "", fmt.Errorf("pairing: count pending: %w", err)
	}
	if pending >= maxPendingPerChannel {
		return "", fmt.Errorf("pairing: too many pending requests on %s", channel)
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO pairing_requests (code, sender_id, channel, chat_id, account_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		code, senderID, channel, chatID, accountID, now.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("pairing: insert request: %w", err)
	}
	s.auditEvent("requested", senderID, channel)
	return code, nil
}

// Approve redeems a pairing code: the request is deleted and the sender
// becomes paired. Returns the approved request so the caller can notify
// the sender on their channel.
func (s *Store) Approve(code string) (Request, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Request{}, fmt.Errorf("pairing: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var req Request
	var createdAt int64
	err = tx.QueryRow(
		`SELECT code, sender_id, channel, chat_id, account_id, created_at
		 FROM pairing_requests WHERE code = ?`, code,
	).Scan(&req.Code, &req.SenderID, &req.Channel, &req.ChatID, &req.AccountID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("pairing: lookup code: %w", err)
	}
	req.CreatedAt = time.Unix(createdAt, 0)
	if time.Since(req.CreatedAt) > codeTTL {
		_, _ = tx.Exec(`DELETE FROM pairing_requests WHERE code = ?`, code)
		_ = tx.Commit()
		return Request{}, ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM pairing_requests WHERE sender_id = ? AND channel = ?`, req.SenderID, req.Channel); err != nil {
		return Request{}, fmt.Errorf("pairing: delete request: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO pairings (sender_id, channel, chat_id, account_id, approved_at)
		 VALUES (?, ?, ?, ?, ?)`,
		req.SenderID, req.Channel, req.ChatID, req.AccountID, time.Now().Unix(),
	); err != nil {
		return Request{}, fmt.Errorf("pairing: insert pairing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Request{}, fmt.Errorf("pairing: commit: %w", err)
	}
	s.auditEvent("approved", req.SenderID, req.Channel)
	return req, nil
}

// Revoke removes an approved pairing.
func (s *Store) Revoke(senderID, channel string) error {
	res, err := s.db.Exec(`DELETE FROM pairings WHERE sender_id = ? AND channel = ?`, senderID, channel)
	if err != nil {
		return fmt.Errorf("pairing: revoke: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.auditEvent("revoked", senderID, channel)
	return nil
}

// ListPending returns outstanding requests, newest first.
func (s *Store) ListPending() ([]Request, error) {
	cutoff := time.Now().Add(-codeTTL).Unix()
	rows, err := s.db.Query(
		`SELECT code, sender_id, channel, chat_id, account_id, created_at
		 FROM pairing_requests WHERE created_at >= ? ORDER BY created_at DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("pairing: list pending: %w", err)
	}
	defer rows.Close()

	var reqs []Request
	for rows.Next() {
		var r Request
		var createdAt int64
		if err := rows.Scan(&r.Code, &r.SenderID, &r.Channel, &r.ChatID, &r.AccountID, &createdAt); err != nil {
			return nil, fmt.Errorf("pairing: scan request: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// ListPaired returns approved senders, optionally filtered by channel
// (empty channel means all).
func (s *Store) ListPaired(channel string) ([]Pairing, error) {
	query := `SELECT sender_id, channel, chat_id, account_id, approved_at FROM pairings`
	var args []any
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY approved_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("pairing: list paired: %w", err)
	}
	defer rows.Close()

	var pairs []Pairing
	for rows.Next() {
		var p Pairing
		var approvedAt int64
		if err := rows.Scan(&p.SenderID, &p.Channel, &p.ChatID, &p.AccountID, &approvedAt); err != nil {
			return nil, fmt.Errorf("pairing: scan pairing: %w", err)
		}
		p.ApprovedAt = time.Unix(approvedAt, 0)
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	code := make([]byte, codeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}
