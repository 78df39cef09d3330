package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coedit/coedit/coedit"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
    id UUID PRIMARY KEY,
    document_id TEXT NOT NULL UNIQUE,
    state BYTEA NOT NULL,
    sequence BIGINT NOT NULL,
    create_time TIMESTAMPTZ NOT NULL
)`

// PgSnapshotStore persists snapshots in Postgres, one row per document.
// Saves carry a monotonic guard so a slow writer can never clobber a newer
// snapshot.
type PgSnapshotStore struct {
	pool *pgxpool.Pool
}

func NewPgSnapshotStore(ctx context.Context, databaseUrl string) (*PgSnapshotStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	store := &PgSnapshotStore{
		pool: pool,
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (self *PgSnapshotStore) migrate(ctx context.Context) error {
	_, err := self.pool.Exec(ctx, snapshotSchema)
	return err
}

func (self *PgSnapshotStore) Load(ctx context.Context, documentId coedit.DocumentId) (*coedit.Snapshot, error) {
	snapshot := &coedit.Snapshot{
		DocumentId: documentId,
	}
	err := self.pool.QueryRow(
		ctx,
		`SELECT state, sequence, create_time FROM document_snapshots WHERE document_id=$1`,
		string(documentId),
	).Scan(&snapshot.State, &snapshot.Seq, &snapshot.CreateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coedit.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("load snapshot %s: %w", documentId, err)
	}
	return snapshot, nil
}

func (self *PgSnapshotStore) Save(ctx context.Context, snapshot *coedit.Snapshot) error {
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO document_snapshots (id, document_id, state, sequence, create_time)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (document_id) DO UPDATE
         SET state = EXCLUDED.state,
             sequence = EXCLUDED.sequence,
             create_time = EXCLUDED.create_time
         WHERE document_snapshots.sequence < EXCLUDED.sequence`,
		uuid.New(),
		string(snapshot.DocumentId),
		snapshot.State,
		int64(snapshot.Seq),
		snapshot.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot.DocumentId, err)
	}
	return nil
}

func (self *PgSnapshotStore) Close() {
	self.pool.Close()
}
