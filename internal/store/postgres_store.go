package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"guardianrails/internal/guardian"
)

// PostgresStore reads and writes the guardian_relationships table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createRelationshipsSQL = `
CREATE TABLE IF NOT EXISTS guardian_relationships (
    guardian_wallet TEXT NOT NULL,
    recipient_wallet TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (guardian_wallet, recipient_wallet),
    CHECK (guardian_wallet <> recipient_wallet)
);
CREATE INDEX IF NOT EXISTS guardian_relationships_recipient_idx
    ON guardian_relationships (recipient_wallet, created_at DESC);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createRelationshipsSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the connection pool so other tables can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) FetchRelationships(ctx context.Context, owner string, persp guardian.Perspective) ([]guardian.Relationship, error) {
	if !common.IsHexAddress(owner) {
		return nil, &guardian.InvalidAddressError{Address: owner}
	}
	column := "recipient_wallet"
	if persp == guardian.PerspectiveGuardian {
		column = "guardian_wallet"
	}

	rows, err := p.pool.Query(ctx, `
SELECT guardian_wallet, recipient_wallet, status, created_at
FROM guardian_relationships
WHERE `+column+` = $1
ORDER BY created_at DESC
`, normalize(owner))
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (guardian.Relationship, error) {
		var rec guardian.Relationship
		var status string
		if err := row.Scan(&rec.GuardianWallet, &rec.RecipientWallet, &status, &rec.CreatedAt); err != nil {
			return rec, err
		}
		rec.Status = guardian.Status(status)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan relationships: %w", err)
	}
	return records, nil
}

// Propose inserts a pending record, or resets a terminal one. A live record
// makes the upsert affect no rows.
func (p *PostgresStore) Propose(ctx context.Context, guardianWallet, recipientWallet string, at time.Time) (guardian.Relationship, error) {
	if err := guardian.ValidatePair(guardianWallet, recipientWallet); err != nil {
		return guardian.Relationship{}, err
	}
	rec := guardian.Relationship{
		GuardianWallet:  normalize(guardianWallet),
		RecipientWallet: normalize(recipientWallet),
		Status:          guardian.StatusPending,
		CreatedAt:       at.UTC(),
	}

	tag, err := p.pool.Exec(ctx, `
INSERT INTO guardian_relationships (guardian_wallet, recipient_wallet, status, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (guardian_wallet, recipient_wallet) DO UPDATE
SET status = EXCLUDED.status,
    created_at = EXCLUDED.created_at
WHERE guardian_relationships.status NOT IN ('pending', 'active')
`, rec.GuardianWallet, rec.RecipientWallet, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return guardian.Relationship{}, fmt.Errorf("propose: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return guardian.Relationship{}, guardian.ErrProposalExists
	}
	return rec, nil
}

// ApplyTransition moves the record along the lifecycle table. The update is
// conditional on the status read, so a concurrent writer cannot be
// overwritten.
func (p *PostgresStore) ApplyTransition(ctx context.Context, key guardian.RecordKey, action guardian.Action, at time.Time) error {
	var current string
	err := p.pool.QueryRow(ctx, `
SELECT status FROM guardian_relationships
WHERE guardian_wallet = $1 AND recipient_wallet = $2
`, key.Guardian.Hex(), key.Recipient.Hex()).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return guardian.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load relationship: %w", err)
	}

	next, err := guardian.Transition(guardian.Status(current), guardian.Actor(action), action)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE guardian_relationships
SET status = $3, created_at = $4
WHERE guardian_wallet = $1 AND recipient_wallet = $2 AND status = $5
`, key.Guardian.Hex(), key.Recipient.Hex(), string(next), at.UTC(), current)
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply transition: status of %s changed concurrently", key)
	}
	return nil
}
