// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"tenant-ingest/internal/domain"
)

// === Object Store ===

// MemoryObject is one stored object.
type MemoryObject struct {
	Body        []byte
	ContentType string
}

// MemoryStore implements domain.ObjectStore in memory. The Fn fields, when
// set, replace the default behaviour.
type MemoryStore struct {
	mu      sync.Mutex
	Objects map[string]MemoryObject // "bucket/key" → object
	Deleted []string

	HeadFn   func(ctx context.Context, bucket, key string) (domain.ObjectInfo, error)
	OpenFn   func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutFn    func(ctx context.Context, bucket, key string, body []byte, contentType string) error
	DeleteFn func(ctx context.Context, bucket, key string) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Objects: make(map[string]MemoryObject)}
}

// PutCSV stores body under bucket/key with a text/csv content type.
func (m *MemoryStore) PutCSV(bucket, key, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[bucket+"/"+key] = MemoryObject{Body: []byte(body), ContentType: "text/csv"}
}

// Get returns a stored object.
func (m *MemoryStore) Get(bucket, key string) (MemoryObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Objects[bucket+"/"+key]
	return o, ok
}

// Keys returns the stored keys of bucket with the given prefix, sorted.
func (m *MemoryStore) Keys(bucket, prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.Objects {
		b, key, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Head implements domain.ObjectStore.
func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (domain.ObjectInfo, error) {
	if m.HeadFn != nil {
		return m.HeadFn(ctx, bucket, key)
	}
	o, ok := m.Get(bucket, key)
	if !ok {
		return domain.ObjectInfo{}, domain.ErrNotFound("object %s/%s not found", bucket, key)
	}
	return domain.ObjectInfo{ContentType: o.ContentType, Size: int64(len(o.Body))}, nil
}

// Open implements domain.ObjectStore.
func (m *MemoryStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if m.OpenFn != nil {
		return m.OpenFn(ctx, bucket, key)
	}
	o, ok := m.Get(bucket, key)
	if !ok {
		return nil, domain.ErrNotFound("object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(o.Body)), nil
}

// Put implements domain.ObjectStore.
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if m.PutFn != nil {
		return m.PutFn(ctx, bucket, key, body, contentType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[bucket+"/"+key] = MemoryObject{Body: append([]byte(nil), body...), ContentType: contentType}
	return nil
}

// Delete implements domain.ObjectStore.
func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, bucket, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Objects, bucket+"/"+key)
	m.Deleted = append(m.Deleted, bucket+"/"+key)
	return nil
}

// List implements domain.ObjectStore.
func (m *MemoryStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	return m.Keys(bucket, prefix), nil
}

// === Table ===

// PutCall records one BatchPut call.
type PutCall struct {
	Table string
	Items []domain.Item
}

// MockTable implements domain.Table. Without BatchPutFn every item is
// committed and kept in Items.
type MockTable struct {
	mu         sync.Mutex
	Calls      []PutCall
	Items      []domain.Item
	BatchPutFn func(ctx context.Context, table string, items []domain.Item) ([]domain.Item, error)
	QueryFn    func(ctx context.Context, table, partitionKey string, limit int) ([]domain.Item, error)
}

// BatchPut implements domain.Table.
func (m *MockTable) BatchPut(ctx context.Context, table string, items []domain.Item) ([]domain.Item, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, PutCall{Table: table, Items: items})
	m.mu.Unlock()

	if m.BatchPutFn != nil {
		rejected, err := m.BatchPutFn(ctx, table, items)
		if err == nil {
			m.commit(items, rejected)
		}
		return rejected, err
	}
	m.commit(items, nil)
	return nil, nil
}

func (m *MockTable) commit(items, rejected []domain.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[domain.StorageKey]int, len(rejected))
	for _, r := range rejected {
		skip[r.Key]++
	}
	for _, it := range items {
		if skip[it.Key] > 0 {
			skip[it.Key]--
			continue
		}
		m.Items = append(m.Items, it)
	}
}

// Query implements domain.Table.
func (m *MockTable) Query(ctx context.Context, table, partitionKey string, limit int) ([]domain.Item, error) {
	if m.QueryFn != nil {
		return m.QueryFn(ctx, table, partitionKey, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Item
	for _, it := range m.Items {
		if it.Key.PartitionKey == partitionKey {
			out = append(out, it)
		}
	}
	return out, nil
}

// BatchSizes returns the item count of every recorded call.
func (m *MockTable) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.Calls))
	for _, c := range m.Calls {
		out = append(out, len(c.Items))
	}
	return out
}

// === Failure Sink ===

// MemorySink implements domain.FailureSink by collecting batches.
type MemorySink struct {
	mu       sync.Mutex
	Batches  []domain.FailedBatch
	RecordFn func(ctx context.Context, batch domain.FailedBatch) error
}

// Record implements domain.FailureSink.
func (m *MemorySink) Record(ctx context.Context, batch domain.FailedBatch) error {
	if m.RecordFn != nil {
		if err := m.RecordFn(ctx, batch); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = append(m.Batches, batch)
	return nil
}

// Rows returns every recorded row in order.
func (m *MemorySink) Rows() []domain.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Row
	for _, b := range m.Batches {
		for _, r := range b.Rows {
			out = append(out, r.Row())
		}
	}
	return out
}

// Spans returns every recorded parse failure in order.
func (m *MemorySink) Spans() []domain.ParseFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ParseFailure
	for _, b := range m.Batches {
		out = append(out, b.Spans...)
	}
	return out
}

// === Dead Letter ===

// MockDeadLetter implements domain.DeadLetterQueue.
type MockDeadLetter struct {
	mu     sync.Mutex
	Sent   []domain.DeadLetter
	SendFn func(ctx context.Context, dl domain.DeadLetter) error
}

// Send implements domain.DeadLetterQueue.
func (m *MockDeadLetter) Send(ctx context.Context, dl domain.DeadLetter) error {
	if m.SendFn != nil {
		if err := m.SendFn(ctx, dl); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, dl)
	return nil
}

// Compile-time interface checks.
var (
	_ domain.ObjectStore     = (*MemoryStore)(nil)
	_ domain.Table           = (*MockTable)(nil)
	_ domain.FailureSink     = (*MemorySink)(nil)
	_ domain.DeadLetterQueue = (*MockDeadLetter)(nil)
)
