// Package access manages API credentials for the HTTP gateway: single-use
// invitations with an expiry, and the API keys minted by redeeming them.
// Both live in a small sqlite database so credentials survive restarts.
package access

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

// Invitation is a single-use code that can be exchanged for an API key before
// it expires.
type Invitation struct {
	Code      string     `json:"code"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Store persists invitations and API keys.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and if necessary creates) the access database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invitations (
		code TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		used_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS api_keys (
		token TEXT PRIMARY KEY,
		invitation_code TEXT NOT NULL REFERENCES invitations(code),
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateInvitation mints a new invitation valid for ttl.
func (s *Store) CreateInvitation(ctx context.Context, ttl time.Duration) (*Invitation, error) {
	code, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	inv := &Invitation{Code: code, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO invitations (code, created_at, expires_at) VALUES (?, ?, ?)",
		inv.Code, inv.CreatedAt.Unix(), inv.ExpiresAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert invitation: %w", err)
	}
	return inv, nil
}

// RedeemInvitation exchanges a valid, unused, unexpired invitation for a new
// API key. The invitation is consumed atomically so a code can never mint two
// keys.
func (s *Store) RedeemInvitation(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt int64
	var usedAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT expires_at, used_at FROM invitations WHERE code = ?", code,
	).Scan(&expiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", invalidInvitation("unknown invitation code")
	}
	if err != nil {
		return "", fmt.Errorf("query invitation: %w", err)
	}
	if usedAt.Valid {
		return "", invalidInvitation("invitation already used")
	}
	if time.Now().Unix() > expiresAt {
		return "", invalidInvitation("invitation expired")
	}

	token, err := randomToken(32)
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		"UPDATE invitations SET used_at = ? WHERE code = ?", now, code); err != nil {
		return "", fmt.Errorf("consume invitation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO api_keys (token, invitation_code, created_at) VALUES (?, ?, ?)",
		token, code, now); err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return token, nil
}

// ValidateKey reports whether token is a known API key.
func (s *Store) ValidateKey(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM api_keys WHERE token = ?", token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query api key: %w", err)
	}
	return true, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func invalidInvitation(msg string) error {
	return derrors.AuthError(msg).Build()
}

// randomToken returns a url-safe random string of n source bytes.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
