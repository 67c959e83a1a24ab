package imagerelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	postgresAssetTableName   = "images"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

type PostgresAssetStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initMu sync.Mutex
	db     *sqlx.DB
	closed bool
}

func NewPostgresAssetStore(dsn string) (*PostgresAssetStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresAssetStore{
		dsn:       dsn,
		tableName: postgresAssetTableName,
		openDB:    sqlx.Open,
	}, nil
}

func (s *PostgresAssetStore) TryInsert(ctx context.Context, asset Asset) (bool, error) {
	if strings.TrimSpace(asset.ExternalID) == "" {
		return false, ErrInvalidInput
	}
	db, err := s.ensureReady()
	if err != nil {
		return false, err
	}
	if asset.Size < 0 {
		asset.Size = 0
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (name, google_drive_id, size, mime_type, storage_path)
		VALUES ($1, $2, $3, $4, NULL)
		ON CONFLICT (google_drive_id) DO NOTHING
		RETURNING id`, postgresQuoteIdentifier(s.tableName))
	var id int64
	err = db.GetContext(ctx, &id, query, asset.Name, asset.ExternalID, asset.Size, asset.MimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: insert %s: %w", ErrPersistenceUnavailable, asset.ExternalID, err)
	}
	return true, nil
}

func (s *PostgresAssetStore) SetStorageURL(ctx context.Context, externalID, url string) error {
	if strings.TrimSpace(externalID) == "" || strings.TrimSpace(url) == "" {
		return ErrInvalidInput
	}
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET storage_path = $1 WHERE google_drive_id = $2 AND storage_path IS NULL",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := db.ExecContext(ctx, query, url, externalID); err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrPersistenceUnavailable, externalID, err)
	}
	return nil
}

func (s *PostgresAssetStore) ListAssets(ctx context.Context) ([]Asset, error) {
	db, err := s.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, name, google_drive_id, size, mime_type, storage_path FROM %s ORDER BY id DESC",
		postgresQuoteIdentifier(s.tableName),
	)
	assets := []Asset{}
	if err := db.SelectContext(ctx, &assets, query); err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrPersistenceUnavailable, err)
	}
	return assets, nil
}

func (s *PostgresAssetStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ensureReady connects and creates the table on first use. Failures are
// retried on the next call. Callers use the returned handle, never s.db,
// because Close may clear it concurrently.
func (s *PostgresAssetStore) ensureReady() (*sqlx.DB, error) {
	if s == nil {
		return nil, ErrPersistenceUnavailable
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", ErrPersistenceUnavailable)
	}
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			google_drive_id TEXT NOT NULL UNIQUE,
			size BIGINT NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			storage_path TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	s.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
