package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"k8s.io/utils/clock"

	"github.com/clanvaro/unigrc/internal/db/models"
)

// BunStore implements Store on the sessions table.
type BunStore struct {
	db    *bun.DB
	clock clock.PassiveClock
}

// NewBunStore creates a SQL-backed session store.
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db, clock: clock.RealClock{}}
}

// WithClock replaces the time source used for expiry checks.
func (s *BunStore) WithClock(clk clock.PassiveClock) *BunStore {
	s.clock = clk
	return s
}

// Load retrieves a session by id. Expired rows are deleted on sight.
func (s *BunStore) Load(ctx context.Context, id string) (*Record, error) {
	row := new(models.Session)
	err := s.db.NewSelect().
		Model(row).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	rec, err := fromModel(row)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.clock.Now()) {
		_ = s.Destroy(ctx, id)
		return nil, ErrNotFound
	}
	return rec, nil
}

// Save upserts the session row.
func (s *BunStore) Save(ctx context.Context, rec *Record) error {
	row, err := toModel(rec)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	row.UpdatedAt = now
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}

	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("payload = EXCLUDED.payload").
		Set("user_id = EXCLUDED.user_id").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Destroy deletes a session row.
func (s *BunStore) Destroy(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DestroyUser deletes every session belonging to userID.
func (s *BunStore) DestroyUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Prune deletes all expired sessions
func (s *BunStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("expires_at <= ?", s.clock.Now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func toModel(rec *Record) (*models.Session, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode session payload: %w", err)
	}
	row := &models.Session{
		ID:        rec.ID,
		Payload:   string(payload),
		ExpiresAt: rec.ExpiresAt.UTC(),
		CreatedAt: rec.CreatedAt.UTC(),
	}
	if rec.Payload.UserID != "" {
		userID := rec.Payload.UserID
		row.UserID = &userID
	}
	return row, nil
}

func fromModel(row *models.Session) (*Record, error) {
	rec := &Record{
		ID:        row.ID,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	return rec, nil
}
