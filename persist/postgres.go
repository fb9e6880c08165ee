// Package persist is the collaboration core's durability boundary: it
// stores and loads board snapshots, and reads the board-management system's
// collaborator/share tables that back the Access Oracle.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver, registered via database/sql

	"github.com/google/uuid"

	"github.com/collabhq/whiteboard/apperr"
	"github.com/collabhq/whiteboard/config"
)

// ErrSnapshotNotFound is returned by LoadSnapshot when a board has never
// been saved before.
var ErrSnapshotNotFound = errors.New("persist: snapshot not found")

// ErrShareNotFound is returned by ResolveShare when no live share link
// matches the given token.
var ErrShareNotFound = errors.New("persist: share token not found")

// Role is a board-level permission grant, read from the board-management
// system's own tables. The collaboration core only ever reads it.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// ResolvedShare is what a share token resolves to: the board it grants
// access to, the role it grants, and when that grant expires (the zero
// Time means it never does).
type ResolvedShare struct {
	BoardID   uuid.UUID
	Role      Role
	ExpiresAt time.Time
}

// Store is the persistence adapter's interface: board snapshot durability
// plus read-only access to the collaborator/share tables the Access Oracle
// consults. A single Postgres connection backs both concerns, since they're
// the same external system from this core's point of view.
type Store interface {
	// SaveSnapshot durably persists a board's entire CRDT history,
	// overwriting whatever was previously stored for it.
	SaveSnapshot(ctx context.Context, boardID uuid.UUID, snapshot []byte) error
	// LoadSnapshot returns the most recently saved snapshot for boardID,
	// or ErrSnapshotNotFound if the board has never been saved.
	LoadSnapshot(ctx context.Context, boardID uuid.UUID) ([]byte, error)
	// RoleFor returns principalID's role on boardID, or RoleNone if they
	// have no direct grant.
	RoleFor(ctx context.Context, boardID uuid.UUID, principalID string) (Role, error)
	// ResolveShare looks up a share link by its token, honoring expiry.
	ResolveShare(ctx context.Context, token string) (*ResolvedShare, error)
	// Close releases the underlying connection pool.
	Close() error
}

type postgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open dials Postgres per cfg and tunes the connection pool. The schema
// this adapter expects already exists; Open does not run migrations.
func Open(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("persist: ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &postgresStore{db: db, logger: logger}, nil
}

const upsertSnapshotQuery = `
	INSERT INTO board_snapshots (board_id, snapshot, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (board_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`

func (s *postgresStore) SaveSnapshot(ctx context.Context, boardID uuid.UUID, snapshot []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertSnapshotQuery, boardID, snapshot); err != nil {
		s.logger.Error("snapshot save failed", "board_id", boardID, "error", err)
		return apperr.Wrap(apperr.StorageFailure, "save snapshot", err)
	}
	return nil
}

func (s *postgresStore) LoadSnapshot(ctx context.Context, boardID uuid.UUID) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot FROM board_snapshots WHERE board_id = $1`, boardID)
	var snapshot []byte
	if err := row.Scan(&snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		s.logger.Error("snapshot load failed", "board_id", boardID, "error", err)
		return nil, apperr.Wrap(apperr.StorageFailure, "load snapshot", err)
	}
	return snapshot, nil
}

func (s *postgresStore) RoleFor(ctx context.Context, boardID uuid.UUID, principalID string) (Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT role FROM board_collaborators WHERE board_id = $1 AND user_id = $2`, boardID, principalID)
	var role string
	if err := row.Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoleNone, nil
		}
		s.logger.Error("role lookup failed", "board_id", boardID, "error", err)
		return RoleNone, apperr.Wrap(apperr.StorageFailure, "role lookup", err)
	}
	return Role(role), nil
}

func (s *postgresStore) ResolveShare(ctx context.Context, token string) (*ResolvedShare, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT board_id, role, expires_at FROM share_links
		 WHERE token = $1 AND (expires_at IS NULL OR expires_at > NOW())`, token)

	var resolved ResolvedShare
	var role string
	var expiresAt sql.NullTime
	if err := row.Scan(&resolved.BoardID, &role, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		s.logger.Error("share lookup failed", "error", err)
		return nil, apperr.Wrap(apperr.StorageFailure, "share lookup", err)
	}
	resolved.Role = Role(role)
	if expiresAt.Valid {
		resolved.ExpiresAt = expiresAt.Time
	}
	return &resolved, nil
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
