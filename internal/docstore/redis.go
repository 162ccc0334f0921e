package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis instance. Documents are JSON values,
// collection membership is a set per collection, and change notifications
// travel over one pub/sub channel per collection.
type Redis struct {
	client *redis.Client
	clock  Clock
	prefix string
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, clock Clock) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, clock), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, clock Clock) *Redis {
	if clock == nil {
		clock = SystemClock()
	}
	return &Redis{client: client, clock: clock, prefix: "tribe:"}
}

func (r *Redis) docKey(collection, id string) string {
	return r.prefix + "doc:" + collection + ":" + id
}

func (r *Redis) setKey(collection string) string {
	return r.prefix + "col:" + collection
}

func (r *Redis) channel(collection string) string {
	return r.prefix + "changes:" + collection
}

func (r *Redis) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := r.write(ctx, collection, id, resolveTimestamps(fields, r.clock.Now())); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Redis) write(ctx context.Context, collection, id string, resolved map[string]any) error {
	payload, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("marshal document %s/%s: %w", collection, id, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.docKey(collection, id), payload, 0)
	pipe.SAdd(ctx, r.setKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write document %s/%s: %w", collection, id, err)
	}
	return r.publish(ctx, collection)
}

func (r *Redis) publish(ctx context.Context, collection string) error {
	if err := r.client.Publish(ctx, r.channel(collection), "changed").Err(); err != nil {
		return fmt.Errorf("publish change for %s: %w", collection, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	existing, err := r.load(ctx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range resolveTimestamps(fields, r.clock.Now()) {
		existing[k] = v
	}
	return r.write(ctx, collection, id, existing)
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.docKey(collection, id))
	pipe.SRem(ctx, r.setKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	return r.publish(ctx, collection)
}

func (r *Redis) load(ctx context.Context, collection, id string) (map[string]any, error) {
	raw, err := r.client.Get(ctx, r.docKey(collection, id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return fields, nil
}

func (r *Redis) Get(ctx context.Context, collection, id string) (Document, error) {
	fields, err := r.load(ctx, collection, id)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Fields: fields}, nil
}

func (r *Redis) GetAll(ctx context.Context, collection string, q Query) ([]Document, error) {
	ids, err := r.client.SMembers(ctx, r.setKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		fields, err := r.load(ctx, collection, id)
		if err != nil {
			// Raced with a delete; the membership set will catch up.
			continue
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	return applyQuery(docs, q), nil
}

func (r *Redis) Batch() Batch {
	return &redisBatch{store: r}
}

func (r *Redis) Subscribe(ctx context.Context, collection string, q Query, fn func(Snapshot)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(collection))
	// Wait for the subscription to be active before the initial snapshot so
	// no change between snapshot and subscribe is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	subCtx, cancelCtx := context.WithCancel(context.Background())
	var deliver sync.Mutex

	emit := func() {
		snapshot, err := r.GetAll(subCtx, collection, q)
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
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				emit()
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			_ = pubsub.Close()
		})
	}
	return cancel, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks connectivity, for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type redisBatch struct {
	store *Redis
	ops   []batchOp
}

func (b *redisBatch) Set(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "set", collection: collection, id: id, fields: fields})
}

func (b *redisBatch) Update(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "update", collection: collection, id: id, fields: fields})
}

func (b *redisBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: "delete", collection: collection, id: id})
}

// Commit resolves updates against current state, then applies every write in
// one MULTI/EXEC transaction and notifies each touched collection once.
func (b *redisBatch) Commit(ctx context.Context) error {
	r := b.store
	now := r.clock.Now()

	resolved := make([]map[string]any, len(b.ops))
	for i, op := range b.ops {
		switch op.kind {
		case "set":
			resolved[i] = resolveTimestamps(op.fields, now)
		case "update":
			existing, err := r.load(ctx, op.collection, op.id)
			if err != nil {
				return err
			}
			for k, v := range resolveTimestamps(op.fields, now) {
				existing[k] = v
			}
			resolved[i] = existing
		}
	}

	pipe := r.client.TxPipeline()
	touched := make(map[string]struct{})
	for i, op := range b.ops {
		switch op.kind {
		case "set", "update":
			payload, err := json.Marshal(resolved[i])
			if err != nil {
				return fmt.Errorf("marshal batch doc %s/%s: %w", op.collection, op.id, err)
			}
			pipe.Set(ctx, r.docKey(op.collection, op.id), payload, 0)
			pipe.SAdd(ctx, r.setKey(op.collection), op.id)
		case "delete":
			pipe.Del(ctx, r.docKey(op.collection, op.id))
			pipe.SRem(ctx, r.setKey(op.collection), op.id)
		}
		touched[op.collection] = struct{}{}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	for collection := range touched {
		if err := r.publish(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}
