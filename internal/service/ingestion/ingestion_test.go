package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-ingest/internal/csvparse"
	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/mapping"
	"tenant-ingest/internal/scanner"
	"tenant-ingest/internal/testutil"
	"tenant-ingest/internal/writer"
)

const bucket = "ingest"

type fixture struct {
	store *testutil.MemoryStore
	table *testutil.MockTable
	sink  *testutil.MemorySink
	coord *Coordinator
}

func newFixture(t *testing.T, scanOpts scanner.Options, budget time.Duration) *fixture {
	t.Helper()

	resolver, err := mapping.NewResolver([]domain.PathTemplate{{
		Prefix:    "{Partition}/",
		Variables: []domain.Variable{{Name: "Partition", Kind: domain.KindPartitionKey}},
	}})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		store: testutil.NewMemoryStore(),
		table: &testutil.MockTable{},
		sink:  &testutil.MemorySink{},
	}
	w := writer.New(f.table, f.sink, writer.Options{Table: "data"}, logger)
	sc := scanner.New(f.store, scanOpts, logger)
	f.coord = NewCoordinator(resolver, sc, w, f.store, budget, logger)
	return f
}

func csvRows(n int) string {
	var b strings.Builder
	b.WriteString("id,amount\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "r%d,%d\n", i, i*10)
	}
	return b.String()
}

func trigger(key string, cursor *int64) domain.Trigger {
	return domain.Trigger{Object: domain.ObjectRef{Bucket: bucket, Key: key}, Cursor: cursor}
}

func TestInvoke_Unmapped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scanner.Options{}, 0)
	f.store.PutCSV(bucket, "loose.csv", csvRows(2))

	out, err := f.coord.Invoke(context.Background(), trigger("loose.csv", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnmapped, out.State)
	assert.Nil(t, out.Next())
	assert.Empty(t, f.table.Calls)
	_, ok := f.store.Get(bucket, "loose.csv")
	assert.True(t, ok, "unmapped objects are left in place")
}

func TestInvoke_DrainingDeletesObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scanner.Options{BatchSize: 5}, time.Minute)
	f.store.PutCSV(bucket, "acme/east/data.csv", csvRows(12))

	out, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraining, out.State)
	assert.Nil(t, out.Next())
	assert.Equal(t, 12, out.Rows)
	require.NotNil(t, out.Mapping)
	assert.Equal(t, "acme", out.Mapping.TenantID)
	assert.Equal(t, "east", out.Mapping.PartitionPrefix)

	assert.Equal(t, []int{5, 5, 2}, f.table.BatchSizes())
	for _, it := range f.table.Items {
		assert.Equal(t, "acme_east", it.Key.PartitionKey)
		assert.NotEmpty(t, it.Key.SortKey)
	}
	assert.Equal(t, []string{bucket + "/acme/east/data.csv"}, f.store.Deleted)
}

func TestInvoke_ContinuingKeepsObject(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, scanner.Options{BatchSize: 1, Now: func() time.Time { return now }}, 30*time.Second)
	f.table.BatchPutFn = func(context.Context, string, []domain.Item) ([]domain.Item, error) {
		if len(f.table.Calls) == 2 {
			now = now.Add(time.Minute)
		}
		return nil, nil
	}
	f.store.PutCSV(bucket, "acme/east/data.csv", csvRows(5))

	out, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StateContinuing, out.State)
	require.NotNil(t, out.Next())
	assert.Equal(t, int64(2), *out.Next())
	assert.Empty(t, f.store.Deleted)

	out, err = f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", out.Next()))
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraining, out.State)
	assert.Equal(t, 3, out.Rows)
	assert.Len(t, f.table.Items, 5)
	assert.Len(t, f.store.Deleted, 1)
}

func TestInvoke_OversizedRowsGoToSink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scanner.Options{Parser: csvparse.Options{MaxRowBytes: 20}}, 0)
	body := "id,v\n1,a\n2," + strings.Repeat("x", 40) + "\n3,c\n"
	f.store.PutCSV(bucket, "acme/east/data.csv", body)

	out, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraining, out.State)
	assert.Len(t, f.table.Items, 2)

	spans := f.sink.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "2,"+strings.Repeat("x", 40)+"\n", body[spans[0].Start:spans[0].End])
	assert.Equal(t, writer.ReasonOversized, f.sink.Batches[0].Reason)
}

func TestInvoke_FailurePropagates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scanner.Options{}, 0)
	boom := errors.New("throttled")
	f.table.BatchPutFn = func(context.Context, string, []domain.Item) ([]domain.Item, error) {
		return nil, boom
	}
	f.store.PutCSV(bucket, "acme/east/data.csv", csvRows(3))

	out, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, domain.IsPermanent(err))

	// The failed batch reached the sink before the error surfaced and the
	// object stays for the retry.
	assert.Len(t, f.sink.Rows(), 1)
	assert.Empty(t, f.store.Deleted)
}

func TestInvoke_PermanentErrors(t *testing.T) {
	t.Parallel()

	t.Run("tenant with separator", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, scanner.Options{}, 0)
		f.store.PutCSV(bucket, "ac_me/east/data.csv", csvRows(1))

		out, err := f.coord.Invoke(context.Background(), trigger("ac_me/east/data.csv", nil))
		require.Error(t, err)
		assert.Equal(t, domain.StateFailed, out.State)
		assert.True(t, domain.IsPermanent(err))
	})

	t.Run("unsupported content type", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, scanner.Options{}, 0)
		require.NoError(t, f.store.Put(context.Background(), bucket, "acme/east/data.json", []byte("{}"), "application/json"))

		_, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.json", nil))
		var ce *domain.ConfigurationError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("strict mismatch", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, scanner.Options{Parser: csvparse.Options{Strict: true}}, 0)
		f.store.PutCSV(bucket, "acme/east/data.csv", "a,b\n1,2\n3\n")

		_, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", nil))
		var se *domain.StructuralError
		require.ErrorAs(t, err, &se)
		assert.True(t, domain.IsPermanent(err))
	})
}

func TestInvoke_MissingObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scanner.Options{}, 0)

	_, err := f.coord.Invoke(context.Background(), trigger("acme/east/gone.csv", nil))
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))

	cursor := int64(4)
	out, err := f.coord.Invoke(context.Background(), trigger("acme/east/gone.csv", &cursor))
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraining, out.State)
}

func TestInvoke_RedeliveryOfDrainedObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scanner.Options{}, 0)
	f.store.PutCSV(bucket, "acme/east/data.csv", csvRows(2))

	out, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", nil))
	require.NoError(t, err)
	require.Equal(t, domain.StateDraining, out.State)

	again := trigger("acme/east/data.csv", nil)
	again.Redelivered = true
	out, err = f.coord.Invoke(context.Background(), again)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraining, out.State)
	assert.Len(t, f.table.Items, 2)
}

func TestInvoke_DeleteFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, scanner.Options{}, 0)
	f.store.DeleteFn = func(context.Context, string, string) error { return errors.New("denied") }
	f.store.PutCSV(bucket, "acme/east/data.csv", csvRows(1))

	out, err := f.coord.Invoke(context.Background(), trigger("acme/east/data.csv", nil))
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.Len(t, f.table.Items, 1)
}
