// Package docstore abstracts the hosted document database: named collections
// of schemaless documents with filtered queries, atomic batched writes, and
// push-based change subscriptions per query.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned by Get and Update when no document has the id.
var ErrNotFound = errors.New("document not found")

// Document is one stored record: a store-assigned id plus an untyped field
// bag. Typed decoding happens at the store boundary (internal/store).
type Document struct {
	ID     string
	Fields map[string]any
}

// StringField reads a string field, reporting whether it was present and
// actually a string.
func (d Document) StringField(key string) (string, bool) {
	v, ok := d.Fields[key].(string)
	return v, ok
}

// BoolField reads a bool field. Absent fields read as false/ok.
func (d Document) BoolField(key string) (bool, bool) {
	if _, present := d.Fields[key]; !present {
		return false, true
	}
	v, ok := d.Fields[key].(bool)
	return v, ok
}

// IntField reads a numeric field. JSON round-trips deliver float64.
func (d Document) IntField(key string) (int, bool) {
	switch v := d.Fields[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// TimeField reads a timestamp field written either as time.Time (memory
// store) or its RFC3339 JSON form (redis, postgres).
func (d Document) TimeField(key string) (time.Time, bool) {
	switch v := d.Fields[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// MapField reads a nested object field.
func (d Document) MapField(key string) (map[string]any, bool) {
	v, ok := d.Fields[key].(map[string]any)
	return v, ok
}

// serverTimestamp is the sentinel placed in a field bag to request the
// store-assigned write time instead of the client clock.
type serverTimestamp struct{}

// ServerTimestamp marks a field to be resolved to the store clock at write
// time.
var ServerTimestamp any = serverTimestamp{}

// Clock supplies the store's notion of "now". Injectable for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Filter is a single equality predicate on a document field.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Where builds a filter. Only the "==" operator is supported; the portal's
// queries never need more.
func Where(field, op string, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects and orders documents within a collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Snapshot is a point-in-time result set delivered to a subscription.
type Snapshot = []Document

// Batch accumulates writes that commit atomically: either every operation is
// applied or none is. Batches provide no isolation from concurrent writers.
type Batch interface {
	Set(collection, id string, fields map[string]any)
	Update(collection, id string, fields map[string]any)
	Delete(collection, id string)
	Commit(ctx context.Context) error
}

// Store is the document database contract consumed by the rest of the
// system. Implementations: Memory (tests, dev), Redis, Postgres.
type Store interface {
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (Document, error)
	GetAll(ctx context.Context, collection string, q Query) ([]Document, error)
	Batch() Batch
	// Subscribe delivers the current result set immediately and again after
	// every change to the collection. Snapshots for one subscription arrive
	// in write order. The returned cancel func releases the subscription;
	// releasing twice is safe.
	Subscribe(ctx context.Context, collection string, q Query, fn func(Snapshot)) (func(), error)
	Close() error
}

// resolveTimestamps copies fields, replacing every ServerTimestamp sentinel
// (including inside nested maps) with now.
func resolveTimestamps(fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case serverTimestamp:
			out[k] = now
		case map[string]any:
			out[k] = resolveTimestamps(t, now)
		default:
			out[k] = v
		}
	}
	return out
}

// matches applies every filter; unknown operators never match.
func matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if f.Op != "==" {
			return false
		}
		if !ValuesEqual(doc.Fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// ValuesEqual compares loosely across the numeric and timestamp encodings
// the backends produce.
func ValuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	if at, aok := asTime(a); aok {
		bt, bok := asTime(b)
		return bok && at.Equal(bt)
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// applyQuery filters, orders and limits a raw collection scan.
func applyQuery(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if matches(doc, q.Filters) {
			out = append(out, doc)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy]
			if q.Desc {
				return lessValues(b, a)
			}
			return lessValues(a, b)
		})
	} else {
		// Stable id order keeps unordered snapshots deterministic.
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func lessValues(a, b any) bool {
	if at, aok := asTime(a); aok {
		if bt, bok := asTime(b); bok {
			return at.Before(bt)
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af < bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// cloneFields deep-copies a field bag so callers can never mutate stored
// state through a returned Document.
func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}
