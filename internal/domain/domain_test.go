package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", ErrValidation("bad"), true},
		{"configuration", ErrConfiguration("bad templates"), true},
		{"structural", ErrStructural(4, "expected 3 cells"), true},
		{"resolution", &ResolutionError{Key: "a_b/c", Message: "tenant"}, true},
		{"wrapped configuration", fmt.Errorf("invoke: %w", ErrConfiguration("content type")), true},
		{"not found", ErrNotFound("gone"), false},
		{"throttled", ErrThrottled(errors.New("slow down"), "throttled"), false},
		{"write", &WriteError{Rows: 3, Err: errors.New("x")}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsPermanent(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "line 7: short row", ErrStructural(7, "short row").Error())
	assert.Equal(t, "bad header", ErrStructural(0, "bad header").Error())
	assert.Equal(t, `resolve "a_b/x": tenant`, (&ResolutionError{Key: "a_b/x", Message: "tenant"}).Error())

	inner := errors.New("table down")
	we := &WriteError{Rows: 2, Err: inner}
	assert.ErrorIs(t, we, inner)
	assert.True(t, IsNotFound(fmt.Errorf("head: %w", ErrNotFound("missing"))))
}

func TestTriggerAndOutcome(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), Trigger{}.StartLine())
	c := int64(42)
	assert.Equal(t, int64(42), Trigger{Cursor: &c}.StartLine())

	next := Outcome{State: StateContinuing, Cursor: 42}.Next()
	require.NotNil(t, next)
	assert.Equal(t, int64(42), *next)
	assert.Nil(t, Outcome{State: StateDraining, Cursor: 42}.Next())
	assert.Nil(t, Outcome{State: StateUnmapped}.Next())

	assert.True(t, StateContinuing.Terminal())
	assert.False(t, StateScanning.Terminal())
}

func TestInvocationOutput_NullCursor(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(InvocationOutput{Object: ObjectRef{Bucket: "b", Key: "k"}, State: StateDraining})
	require.NoError(t, err)
	assert.JSONEq(t, `{"object":{"bucket":"b","key":"k"},"cursor":null,"state":"draining"}`, string(b))
}

func TestFailedRow_PreservesColumnOrder(t *testing.T) {
	t.Parallel()

	rows := []Row{{Line: 3, Fields: []Field{{"z", "1"}, {"a", "2"}, {"m", "3"}}}}
	stored := NewFailedRows(rows)
	require.Len(t, stored, 1)

	b, err := json.Marshal(stored)
	require.NoError(t, err)
	var back []FailedRow
	require.NoError(t, json.Unmarshal(b, &back))

	assert.Equal(t, rows[0], back[0].Row())
}

func TestFailedRow_FieldsWithoutOrder(t *testing.T) {
	t.Parallel()

	r := FailedRow{Line: 1, Fields: map[string]string{"a": "1"}, Order: []string{"gone"}}.Row()
	v, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Len(t, r.Fields, 1)
}

func TestFailedBatch_Empty(t *testing.T) {
	t.Parallel()

	assert.True(t, FailedBatch{}.Empty())
	assert.False(t, FailedBatch{Spans: []ParseFailure{{Line: 1, Start: 0, End: 10}}}.Empty())
}

func TestNewID_SortsByCreation(t *testing.T) {
	t.Parallel()

	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a, b)
}
