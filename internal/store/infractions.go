package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// MuteRecord is one entry of the append-only mute log.
type MuteRecord struct {
	Community string
	UserID    string
	Reason    string
	Until     time.Time
	CreatedAt time.Time
}

// Infractions counts blocked-message attempts per sender.
type Infractions interface {
	Increment(ctx context.Context, community, userID string) (int, error)
	Reset(ctx context.Context, community, userID string) error
	RecordMute(ctx context.Context, rec MuteRecord) error
}

const schema = `
CREATE TABLE IF NOT EXISTS bridge_infractions (
    community  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    count      INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (community, user_id)
);
CREATE TABLE IF NOT EXISTS bridge_mutes (
    id         BIGSERIAL PRIMARY KEY,
    community  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    reason     TEXT NOT NULL,
    muted_until TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// InfractionRepository is the Postgres implementation.
type InfractionRepository struct {
	db *sql.DB
}

func NewInfractionRepository(databaseURL string) (*InfractionRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &InfractionRepository{db: db}, nil
}

func (r *InfractionRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Increment upserts the counter and returns the new value.
func (r *InfractionRepository) Increment(ctx context.Context, community, userID string) (int, error) {
	const q = `INSERT INTO bridge_infractions (community, user_id, count, updated_at)
        VALUES ($1, $2, 1, now())
        ON CONFLICT (community, user_id) DO UPDATE SET
          count = bridge_infractions.count + 1,
          updated_at = now()
        RETURNING count`
	var n int
	if err := r.db.QueryRowContext(ctx, q, community, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *InfractionRepository) Reset(ctx context.Context, community, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM bridge_infractions WHERE community = $1 AND user_id = $2`, community, userID)
	return err
}

func (r *InfractionRepository) RecordMute(ctx context.Context, rec MuteRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bridge_mutes (community, user_id, reason, muted_until) VALUES ($1, $2, $3, $4)`,
		rec.Community, rec.UserID, rec.Reason, rec.Until)
	return err
}

// MemoryInfractions keeps counters in process for deployments without
// Postgres.
type MemoryInfractions struct {
	mu     sync.Mutex
	counts map[string]int
	mutes  []MuteRecord
}

func NewMemoryInfractions() *MemoryInfractions {
	return &MemoryInfractions{counts: make(map[string]int)}
}

func (m *MemoryInfractions) Increment(_ context.Context, community, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := community + "\x00" + userID
	m.counts[k]++
	return m.counts[k], nil
}

func (m *MemoryInfractions) Reset(_ context.Context, community, userID string) error {
	m.mu.Lock()
	delete(m.counts, community+"\x00"+userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryInfractions) RecordMute(_ context.Context, rec MuteRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.mutes = append(m.mutes, rec)
	m.mu.Unlock()
	return nil
}

// Mutes returns the recorded mute log.
func (m *MemoryInfractions) Mutes() []MuteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MuteRecord(nil), m.mutes...)
}
