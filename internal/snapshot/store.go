package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/adminlive/internal/projector"
)

// ErrInvalidTable is returned for an empty or malformed table name.
var ErrInvalidTable = errors.New("invalid snapshot table name")

// Store saves and loads dashboard snapshots keyed by channel.
type Store interface {
	Save(ctx context.Context, snap projector.Snapshot) error
	Load(ctx context.Context, channel string) (projector.Snapshot, bool, error)
}

// DB is the subset of *pgxpool.Pool used by PGStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RetryConfig bounds the retries of a failed write.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// PGStore keeps one JSONB row per channel.
type PGStore struct {
	db     DB
	table  string // Quoted identifier
	retry  RetryConfig
	logger *slog.Logger
}

// NewPGStore creates a store on table. The name may be schema-qualified.
// A zero retry uses DefaultRetryConfig.
func NewPGStore(db DB, table string, retry RetryConfig, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}

	ident, err := quoteTable(table)
	if err != nil {
		return nil, err
	}

	return &PGStore{
		db:     db,
		table:  ident,
		retry:  retry,
		logger: logger,
	}, nil
}

func quoteTable(table string) (string, error) {
	if table == "" {
		return "", ErrInvalidTable
	}
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidTable, table)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

// EnsureSchema creates the snapshot table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	channel  TEXT PRIMARY KEY,
	revision BIGINT NOT NULL,
	state    JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)

	if _, err := s.db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// Save upserts the snapshot of snap.Channel, retrying transient failures.
func (s *PGStore) Save(ctx context.Context, snap projector.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	sql := fmt.Sprintf(`INSERT INTO %s (channel, revision, state, saved_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel) DO UPDATE
SET revision = EXCLUDED.revision, state = EXCLUDED.state, saved_at = EXCLUDED.saved_at`, s.table)

	operation := func() error {
		_, err := s.db.Exec(ctx, sql, snap.Channel, int64(snap.Revision), string(data), time.Now().UTC())
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(s.retry.InitialInterval),
				backoff.WithMaxInterval(s.retry.MaxInterval),
			),
			s.retry.MaxRetries,
		),
		ctx,
	)

	err = backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		s.logger.Warn("retrying snapshot save",
			"channel", snap.Channel,
			"error", err,
			"next_attempt_in", d,
		)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Channel, err)
	}
	return nil
}

// Load returns the stored snapshot for channel. ok is false when none exists.
func (s *PGStore) Load(ctx context.Context, channel string) (projector.Snapshot, bool, error) {
	sql := fmt.Sprintf(`SELECT state FROM %s WHERE channel = $1`, s.table)

	var raw []byte
	if err := s.db.QueryRow(ctx, sql, channel).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return projector.Snapshot{}, false, nil
		}
		return projector.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", channel, err)
	}

	var snap projector.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return projector.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", channel, err)
	}
	return snap, true, nil
}
