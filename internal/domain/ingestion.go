package domain

import (
	"encoding/json"
	"time"
)

// ObjectRef identifies an object in a bucket or container.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (o ObjectRef) String() string { return o.Bucket + "/" + o.Key }

// ObjectInfo is the subset of object metadata the ingestion path needs.
type ObjectInfo struct {
	ContentType string
	Size        int64
}

// Trigger is one invocation request: the object plus an optional resume
// cursor. Payload keeps the raw message that started the run so it can be
// dead-lettered intact. Redelivered marks a queue message received before,
// whose object may already have been drained.
type Trigger struct {
	Object      ObjectRef       `json:"object"`
	Cursor      *int64          `json:"cursor,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Redelivered bool            `json:"-"`
}

// StartLine returns the cursor value, or 0 when absent.
func (t Trigger) StartLine() int64 {
	if t.Cursor == nil {
		return 0
	}
	return *t.Cursor
}

// State is a coordinator state.
type State string

// Coordinator states.
const (
	StateIdle       State = "idle"
	StateResolving  State = "resolving"
	StateScanning   State = "scanning"
	StateContinuing State = "continuing"
	StateDraining   State = "draining"
	StateUnmapped   State = "unmapped"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends an invocation.
func (s State) Terminal() bool {
	switch s {
	case StateContinuing, StateDraining, StateUnmapped, StateFailed:
		return true
	}
	return false
}

// Outcome is the tagged result of one coordinator invocation. Cursor is
// meaningful only when State is StateContinuing.
type Outcome struct {
	State    State
	Cursor   int64
	Mapping  *ResolvedMapping
	Rows     int
	Failures int
}

// Next returns the resume cursor, or nil when there is nothing to resume.
func (o Outcome) Next() *int64 {
	if o.State != StateContinuing {
		return nil
	}
	c := o.Cursor
	return &c
}

// InvocationOutput is the wire form of an invocation result.
type InvocationOutput struct {
	Object ObjectRef `json:"object"`
	Cursor *int64    `json:"cursor"`
	State  State     `json:"state"`
}

// FailedBatch is what the failure sink persists: rows that could not be
// committed, or spans of oversized records.
type FailedBatch struct {
	Source     ObjectRef      `json:"source"`
	Reason     string         `json:"reason"`
	Rows       []FailedRow    `json:"rows,omitempty"`
	Spans      []ParseFailure `json:"spans,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// FailedRow is the persisted form of a Row.
type FailedRow struct {
	Line   int64             `json:"line"`
	Fields map[string]string `json:"fields"`
	Order  []string          `json:"order,omitempty"`
}

// Empty reports whether the batch carries nothing.
func (b FailedBatch) Empty() bool { return len(b.Rows) == 0 && len(b.Spans) == 0 }

// NewFailedRows converts rows into their persisted form.
func NewFailedRows(rows []Row) []FailedRow {
	out := make([]FailedRow, 0, len(rows))
	for _, r := range rows {
		order := make([]string, 0, len(r.Fields))
		for _, f := range r.Fields {
			order = append(order, f.Name)
		}
		out = append(out, FailedRow{Line: r.Line, Fields: r.Map(), Order: order})
	}
	return out
}

// Row converts a persisted row back into a Row, restoring column order.
func (f FailedRow) Row() Row {
	r := Row{Line: f.Line, Fields: make([]Field, 0, len(f.Fields))}
	seen := make(map[string]bool, len(f.Order))
	for _, name := range f.Order {
		if v, ok := f.Fields[name]; ok && !seen[name] {
			r.Fields = append(r.Fields, Field{Name: name, Value: v})
			seen[name] = true
		}
	}
	for name, v := range f.Fields {
		if !seen[name] {
			r.Fields = append(r.Fields, Field{Name: name, Value: v})
		}
	}
	return r
}

// DeadLetter is a trigger that could not be processed.
type DeadLetter struct {
	Trigger     Trigger   `json:"trigger"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	Invocations int       `json:"invocations"`
	FailedAt    time.Time `json:"failed_at"`
}
