package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store with full subscription semantics. It backs
// the development mode and every workflow/projection test.
type Memory struct {
	clock Clock

	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	subs        map[string][]*memorySub
	seq         uint64
	closed      bool
}

type memorySub struct {
	query    Query
	fn       func(Snapshot)
	deliver  sync.Mutex
	lastSeq  uint64 // guarded by deliver
	canceled bool
}

// NewMemory creates an empty in-memory store using the given clock for
// server timestamps.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = SystemClock()
	}
	return &Memory{
		clock:       clock,
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[string][]*memorySub),
	}
}

func (m *Memory) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.put(collection, id, fields)
	pending := m.snapshotsLocked(collection)
	m.mu.Unlock()

	m.deliver(pending)
	return id, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	docs := m.collections[collection]
	if _, ok := docs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	m.merge(collection, id, fields)
	pending := m.snapshotsLocked(collection)
	m.mu.Unlock()

	m.deliver(pending)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	delete(m.collections[collection], id)
	pending := m.snapshotsLocked(collection)
	m.mu.Unlock()

	m.deliver(pending)
	return nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.collections[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return Document{ID: id, Fields: cloneFields(fields)}, nil
}

func (m *Memory) GetAll(ctx context.Context, collection string, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(collection, q), nil
}

func (m *Memory) Batch() Batch {
	return &memoryBatch{store: m}
}

func (m *Memory) Subscribe(ctx context.Context, collection string, q Query, fn func(Snapshot)) (func(), error) {
	sub := &memorySub{query: q, fn: fn}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: store closed", collection)
	}
	m.subs[collection] = append(m.subs[collection], sub)
	m.seq++
	initial := delivery{sub: sub, snapshot: m.queryLocked(collection, q), seq: m.seq}
	m.mu.Unlock()

	m.deliver([]delivery{initial})

	cancel := func() {
		m.mu.Lock()
		sub.canceled = true
		remaining := m.subs[collection][:0]
		for _, s := range m.subs[collection] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		m.subs[collection] = remaining
		m.mu.Unlock()
	}
	return cancel, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string][]*memorySub)
	m.mu.Unlock()
	return nil
}

type delivery struct {
	sub      *memorySub
	snapshot Snapshot
	seq      uint64
}

// snapshotsLocked computes the post-change result set for every subscription
// on the collection. Snapshots are computed under the store lock so a batch
// is never observed half-applied, then delivered outside it. Each call takes
// the next store sequence number; deliver drops a snapshot whose number is
// older than the last one its subscription saw, so two writers racing from
// unlock to delivery cannot land a stale snapshot on top of a newer one.
func (m *Memory) snapshotsLocked(collection string) []delivery {
	m.seq++
	var pending []delivery
	for _, sub := range m.subs[collection] {
		pending = append(pending, delivery{sub: sub, snapshot: m.queryLocked(collection, sub.query), seq: m.seq})
	}
	return pending
}

func (m *Memory) deliver(pending []delivery) {
	for _, d := range pending {
		d.sub.deliver.Lock()
		if !d.sub.canceled && d.seq > d.sub.lastSeq {
			d.sub.lastSeq = d.seq
			d.sub.fn(d.snapshot)
		}
		d.sub.deliver.Unlock()
	}
}

func (m *Memory) queryLocked(collection string, q Query) []Document {
	raw := make([]Document, 0, len(m.collections[collection]))
	for id, fields := range m.collections[collection] {
		raw = append(raw, Document{ID: id, Fields: cloneFields(fields)})
	}
	return applyQuery(raw, q)
}

func (m *Memory) put(collection, id string, fields map[string]any) {
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]map[string]any)
	}
	m.collections[collection][id] = resolveTimestamps(fields, m.clock.Now())
}

func (m *Memory) merge(collection, id string, fields map[string]any) {
	resolved := resolveTimestamps(fields, m.clock.Now())
	existing := m.collections[collection][id]
	for k, v := range resolved {
		existing[k] = v
	}
}

type batchOp struct {
	kind       string // "set", "update", "delete"
	collection string
	id         string
	fields     map[string]any
}

type memoryBatch struct {
	store *Memory
	ops   []batchOp
}

func (b *memoryBatch) Set(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "set", collection: collection, id: id, fields: fields})
}

func (b *memoryBatch) Update(collection, id string, fields map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "update", collection: collection, id: id, fields: fields})
}

func (b *memoryBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: "delete", collection: collection, id: id})
}

// Commit applies every operation under one lock acquisition: subscribers and
// readers see all of the batch or none of it.
func (b *memoryBatch) Commit(ctx context.Context) error {
	m := b.store
	m.mu.Lock()
	for _, op := range b.ops {
		if op.kind == "update" {
			if _, ok := m.collections[op.collection][op.id]; !ok {
				m.mu.Unlock()
				return fmt.Errorf("batch update %s/%s: %w", op.collection, op.id, ErrNotFound)
			}
		}
	}
	touched := make(map[string]struct{})
	for _, op := range b.ops {
		switch op.kind {
		case "set":
			m.put(op.collection, op.id, op.fields)
		case "update":
			m.merge(op.collection, op.id, op.fields)
		case "delete":
			delete(m.collections[op.collection], op.id)
		}
		touched[op.collection] = struct{}{}
	}
	var pending []delivery
	for collection := range touched {
		pending = append(pending, m.snapshotsLocked(collection)...)
	}
	m.mu.Unlock()

	m.deliver(pending)
	return nil
}

// NewDocumentID mints a store-style document id. Exposed so workflows can
// pre-allocate ids for batch Set operations, mirroring doc(collection())
// semantics of hosted stores.
func NewDocumentID() string {
	return uuid.NewString()
}
