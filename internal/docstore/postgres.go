package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notifyChannel = "tribe_doc_changes"

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`

// Postgres is a Store backed by a single JSONB documents table. Change
// notifications ride LISTEN/NOTIFY, published in the same transaction as the
// write so subscribers never observe a half-applied batch.
type Postgres struct {
	pool  *pgxpool.Pool
	clock Clock
}

// NewPostgres connects, verifies the connection, and ensures the documents
// table exists.
func NewPostgres(ctx context.Context, databaseURL string, clock Clock) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, documentsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure documents table: %w", err)
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Postgres{pool: pool, clock: clock}, nil
}

func (p *Postgres) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(resolveTimestamps(fields, p.clock.Now()))
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3)`,
			collection, id, payload); err != nil {
			return fmt.Errorf("insert %s/%s: %w", collection, id, err)
		}
		return notify(ctx, tx, collection)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	payload, err := json.Marshal(resolveTimestamps(fields, p.clock.Now()))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE documents SET fields = fields || $3, updated_at = now() WHERE collection = $1 AND id = $2`,
			collection, id, payload)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", collection, id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
		}
		return notify(ctx, tx, collection)
	})
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
		return notify(ctx, tx, collection)
	})
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Document{}, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Fields: fields}, nil
}

func (p *Postgres) GetAll(ctx context.Context, collection string, q Query) ([]Document, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, fields FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return applyQuery(docs, q), nil
}

func (p *Postgres) Batch() Batch {
	return &postgresBatch{store: p}
}

func (p *Postgres) Subscribe(ctx context.Context, collection string, q Query, fn func(Snapshot)) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	subCtx, cancelCtx := context.WithCancel(context.Background())
	var deliver sync.Mutex

	emit := func() {
		snapshot, err := p.GetAll(subCtx, collection, q)
		if err != nil {
			return
		}
		deliver.Lock()
		defer deliver.Unlock()
		if subCtx.Err() != nil {
			return
		}
		fn(snapshot)
	}

	emit()

	go func() {
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				return
			}
			if notification.Payload == collection {
				emit()
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(cancelCtx)
	}
	return cancel, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks connectivity, for readiness probes.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func notify(ctx context.Context, tx pgx.Tx, collection string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection); err != nil {
		return fmt.Errorf("notify %s: %w", collection, err)
	}
	return nil
}

type postgresBatch struct {
	store *Postgres
	ops   []batchOp
}

func (b *postgresBatch) Set(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "set", collection: collection, id: id, fields: fields})
}

func (b *postgresBatch) Update(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "update", collection: collection, id: id, fields: fields})
}

func (b *postgresBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: "delete", collection: collection, id: id})
}

// Commit applies every operation in a single transaction, notifying each
// touched collection once. Rollback leaves no partial application.
func (b *postgresBatch) Commit(ctx context.Context) error {
	p := b.store
	now := p.clock.Now()
	return p.inTx(ctx, func(tx pgx.Tx) error {
		touched := make(map[string]struct{})
		for _, op := range b.ops {
			switch op.kind {
			case "set":
				payload, err := json.Marshal(resolveTimestamps(op.fields, now))
				if err != nil {
					return fmt.Errorf("marshal batch doc: %w", err)
				}
				if _, err := tx.Exec(ctx,
					`INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3)
					 ON CONFLICT (collection, id) DO UPDATE SET fields = EXCLUDED.fields, updated_at = now()`,
					op.collection, op.id, payload); err != nil {
					return fmt.Errorf("batch set %s/%s: %w", op.collection, op.id, err)
				}
			case "update":
				payload, err := json.Marshal(resolveTimestamps(op.fields, now))
				if err != nil {
					return fmt.Errorf("marshal batch doc: %w", err)
				}
				tag, err := tx.Exec(ctx,
					`UPDATE documents SET fields = fields || $3, updated_at = now() WHERE collection = $1 AND id = $2`,
					op.collection, op.id, payload)
				if err != nil {
					return fmt.Errorf("batch update %s/%s: %w", op.collection, op.id, err)
				}
				if tag.RowsAffected() == 0 {
					return fmt.Errorf("batch update %s/%s: %w", op.collection, op.id, ErrNotFound)
				}
			case "delete":
				if _, err := tx.Exec(ctx,
					`DELETE FROM documents WHERE collection = $1 AND id = $2`, op.collection, op.id); err != nil {
					return fmt.Errorf("batch delete %s/%s: %w", op.collection, op.id, err)
				}
			}
			touched[op.collection] = struct{}{}
		}
		for collection := range touched {
			if err := notify(ctx, tx, collection); err != nil {
				return err
			}
		}
		return nil
	})
}
