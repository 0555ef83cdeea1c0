package postgresql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ai-worker/internal/entity"
)

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// PoisonRepository keeps dropped queue messages for later inspection.
type PoisonRepository struct {
	pool *pgxpool.Pool
}

func NewPoisonRepository(pool *pgxpool.Pool) *PoisonRepository {
	return &PoisonRepository{pool: pool}
}

func (r *PoisonRepository) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS poison_messages (
	id          UUID PRIMARY KEY,
	queue       TEXT NOT NULL,
	message_id  TEXT,
	reason      TEXT NOT NULL,
	body        BYTEA NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
	_, err := r.pool.Exec(ctx, q)
	return err
}

func (r *PoisonRepository) Record(ctx context.Context, msg entity.PoisonMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	if msg.Body == nil {
		msg.Body = []byte{}
	}

	const q = `
INSERT INTO poison_messages (id, queue, message_id, reason, body, received_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6);
`
	_, err := r.pool.Exec(ctx, q, msg.ID, msg.Queue, msg.MessageID, msg.Reason, msg.Body, msg.ReceivedAt)
	return err
}

func (r *PoisonRepository) Recent(ctx context.Context, limit int64) ([]entity.PoisonMessage, error) {
	const q = `
SELECT id, queue, COALESCE(message_id, ''), reason, body, received_at
FROM poison_messages
ORDER BY received_at DESC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.PoisonMessage
	for rows.Next() {
		var m entity.PoisonMessage
		if err := rows.Scan(&m.ID, &m.Queue, &m.MessageID, &m.Reason, &m.Body, &m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PoisonRepository) Close() error {
	r.pool.Close()
	return nil
}
