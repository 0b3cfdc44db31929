package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/domain"
)

// HashAPIKey returns the hex sha256 of a raw API key. Only the hash is
// stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) CreateAPIKey(ctx context.Context, actorID, name, rawKey string, now time.Time) (domain.APIKey, error) {
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   HashAPIKey(rawKey),
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ActorByAPIKey resolves a raw API key to the owning actor id.
func (r Repo) ActorByAPIKey(ctx context.Context, rawKey string) (string, error) {
	var actorID string
	err := r.DB.QueryRowContext(ctx, `SELECT actor_id FROM api_keys WHERE key_hash=?`, HashAPIKey(rawKey)).Scan(&actorID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return actorID, nil
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
