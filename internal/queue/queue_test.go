package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/testutil"
)

const s3Notification = `{"Records":[{"eventSource":"aws:s3","eventName":"ObjectCreated:Put",
 "s3":{"bucket":{"name":"uploads"},"object":{"key":"acme/east/my+data%2C1.csv"}}}]}`

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	snsBody, err := json.Marshal(map[string]string{"Type": "Notification", "Message": s3Notification})
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    string
		want    domain.ObjectRef
		cursor  *int64
		skip    bool
		wantErr bool
	}{
		{name: "s3 notification", body: s3Notification, want: domain.ObjectRef{Bucket: "uploads", Key: "acme/east/my data,1.csv"}},
		{name: "sns wrapped", body: string(snsBody), want: domain.ObjectRef{Bucket: "uploads", Key: "acme/east/my data,1.csv"}},
		{name: "test event", body: `{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"uploads"}`, skip: true},
		{name: "remove event", body: `{"Records":[{"eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"b"},"object":{"key":"k"}}}]}`, skip: true},
		{name: "direct trigger", body: `{"object":{"bucket":"uploads","key":"acme/east/a.csv"},"cursor":7}`,
			want: domain.ObjectRef{Bucket: "uploads", Key: "acme/east/a.csv"}, cursor: aws.Int64(7)},
		{name: "two records", body: `{"Records":[{"s3":{"bucket":{"name":"b"},"object":{"key":"a"}}},{"s3":{"bucket":{"name":"b"},"object":{"key":"c"}}}]}`, wantErr: true},
		{name: "no records", body: `{"Records":[]}`, wantErr: true},
		{name: "not json", body: `hello`, wantErr: true},
		{name: "direct trigger without key", body: `{"object":{"bucket":"uploads"}}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			trig, skip, err := DecodeMessage([]byte(tc.body))
			if tc.wantErr {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.skip, skip)
			if tc.skip {
				return
			}
			assert.Equal(t, tc.want, trig.Object)
			assert.Equal(t, tc.cursor, trig.Cursor)
			assert.JSONEq(t, tc.body, string(trig.Payload))
		})
	}
}

func TestEncodeTrigger_RoundTrip(t *testing.T) {
	t.Parallel()

	in := domain.Trigger{Object: domain.ObjectRef{Bucket: "b", Key: "acme/east/a.csv"}, Cursor: aws.Int64(42)}
	body, err := EncodeTrigger(in)
	require.NoError(t, err)

	out, skip, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Equal(t, in.Object, out.Object)
	assert.Equal(t, in.Cursor, out.Cursor)
}

type fakeSQS struct {
	mu        sync.Mutex
	pending   [][]types.Message
	receives  []*sqs.ReceiveMessageInput
	deleted   []string
	sent      []string
	extended  []*sqs.ChangeMessageVisibilityInput
	receiveFn func() error
	sendErr   error
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.receives = append(f.receives, in)
	if f.receiveFn != nil {
		if err := f.receiveFn(); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	if len(f.pending) > 0 {
		msgs := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended = append(f.extended, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) extensions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.extended)
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func message(handle, body string) types.Message {
	return types.Message{MessageId: aws.String(handle), ReceiptHandle: aws.String(handle), Body: aws.String(body)}
}

func TestPoller_Handle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		handlerErr error
		dlqErr     error
		calls      int
		deleted    bool
		deadLetter bool
	}{
		{name: "success deletes", body: s3Notification, calls: 1, deleted: true},
		{name: "handler failure keeps message", body: s3Notification, handlerErr: errors.New("dlq down"), calls: 1},
		{name: "test event acknowledged", body: `{"Event":"s3:TestEvent"}`, deleted: true},
		{name: "undecodable dead-lettered", body: `{"Records":[]}`, deleted: true, deadLetter: true},
		{name: "dead letter failure keeps message", body: `nope`, dlqErr: errors.New("down")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client := &fakeSQS{}
			dlq := &testutil.MockDeadLetter{}
			if tc.dlqErr != nil {
				dlq.SendFn = func(context.Context, domain.DeadLetter) error { return tc.dlqErr }
			}
			var calls int
			handler := func(_ context.Context, trig domain.Trigger) error {
				calls++
				assert.Equal(t, "uploads", trig.Object.Bucket)
				return tc.handlerErr
			}
			p := NewPoller(client, PollerOptions{QueueURL: "q"}, handler, dlq, slog.New(slog.DiscardHandler))

			p.Handle(context.Background(), message("h1", tc.body))

			assert.Equal(t, tc.calls, calls)
			if tc.deleted {
				assert.Equal(t, []string{"h1"}, client.deletedHandles())
			} else {
				assert.Empty(t, client.deletedHandles())
			}
			if tc.deadLetter {
				require.Len(t, dlq.Sent, 1)
				assert.Equal(t, tc.body, string(dlq.Sent[0].Trigger.Payload))
				assert.NotEmpty(t, dlq.Sent[0].Error)
			} else {
				assert.Empty(t, dlq.Sent)
			}
		})
	}
}

func TestPoller_RunProcessesUntilCanceled(t *testing.T) {
	t.Parallel()

	client := &fakeSQS{pending: [][]types.Message{
		{message("a", s3Notification), message("b", s3Notification)},
		{message("c", s3Notification)},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	handled := 0
	handler := func(context.Context, domain.Trigger) error {
		mu.Lock()
		defer mu.Unlock()
		handled++
		if handled == 3 {
			cancel()
		}
		return nil
	}
	p := NewPoller(client, PollerOptions{QueueURL: "q", Workers: 4, WaitTime: 5 * time.Second},
		handler, &testutil.MockDeadLetter{}, slog.New(slog.DiscardHandler))

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 3, handled)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.NotEmpty(t, client.receives)
	assert.Equal(t, int32(4), client.receives[0].MaxNumberOfMessages)
	assert.Equal(t, int32(5), client.receives[0].WaitTimeSeconds)
	assert.Equal(t, "q", aws.ToString(client.receives[0].QueueUrl))
	assert.Contains(t, client.receives[0].MessageSystemAttributeNames,
		types.MessageSystemAttributeNameApproximateReceiveCount)
}

func TestPoller_LongRunKeepsMessageHidden(t *testing.T) {
	t.Parallel()

	client := &fakeSQS{}
	handler := func(context.Context, domain.Trigger) error {
		// The run outlasts several heartbeats.
		require.Eventually(t, func() bool { return client.extensions() >= 3 }, 5*time.Second, time.Millisecond)
		return nil
	}
	p := NewPoller(client, PollerOptions{
		QueueURL:          "q",
		VisibilityTimeout: 2 * time.Minute,
		HeartbeatInterval: 5 * time.Millisecond,
	}, handler, &testutil.MockDeadLetter{}, slog.New(slog.DiscardHandler))

	p.Handle(context.Background(), message("h1", s3Notification))

	assert.Equal(t, []string{"h1"}, client.deletedHandles())
	after := client.extensions()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, client.extensions(), "heartbeat must stop with the handler")

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, in := range client.extended {
		assert.Equal(t, "h1", aws.ToString(in.ReceiptHandle))
		assert.Equal(t, int32(120), in.VisibilityTimeout)
	}
}

func TestPoller_MarksRedeliveries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		count string
		want  bool
	}{
		{"first delivery", "1", false},
		{"second delivery", "2", true},
		{"attribute missing", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var got domain.Trigger
			p := NewPoller(&fakeSQS{}, PollerOptions{QueueURL: "q"},
				func(_ context.Context, trig domain.Trigger) error { got = trig; return nil },
				&testutil.MockDeadLetter{}, slog.New(slog.DiscardHandler))

			m := message("h1", s3Notification)
			if tc.count != "" {
				m.Attributes = map[string]string{"ApproximateReceiveCount": tc.count}
			}
			p.Handle(context.Background(), m)
			assert.Equal(t, tc.want, got.Redelivered)
		})
	}
}

func TestPoller_ReceiveErrorBacksOff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	failures := 0
	client := &fakeSQS{receiveFn: func() error {
		failures++
		if failures == 2 {
			cancel()
		}
		return errors.New("unavailable")
	}}
	p := NewPoller(client, PollerOptions{QueueURL: "q", ErrorBackoff: time.Millisecond},
		func(context.Context, domain.Trigger) error { return nil },
		&testutil.MockDeadLetter{}, slog.New(slog.DiscardHandler))

	require.NoError(t, p.Run(ctx))
	assert.GreaterOrEqual(t, failures, 2)
}

func TestPoller_Enqueue(t *testing.T) {
	t.Parallel()

	client := &fakeSQS{}
	p := NewPoller(client, PollerOptions{QueueURL: "q"}, nil, &testutil.MockDeadLetter{}, slog.New(slog.DiscardHandler))
	trig := domain.Trigger{Object: domain.ObjectRef{Bucket: "b", Key: "k"}, Cursor: aws.Int64(3)}

	require.NoError(t, p.Enqueue(context.Background(), trig))
	require.Len(t, client.sent, 1)
	assert.JSONEq(t, `{"object":{"bucket":"b","key":"k"},"cursor":3}`, client.sent[0])
}

func TestSQSDeadLetter_Send(t *testing.T) {
	t.Parallel()

	client := &fakeSQS{}
	dl := domain.DeadLetter{
		Trigger:  domain.Trigger{Object: domain.ObjectRef{Bucket: "b", Key: "k"}, Payload: json.RawMessage(`{"x":1}`)},
		Error:    "boom",
		Attempts: 3,
	}
	require.NoError(t, NewSQSDeadLetter(client, "dlq").Send(context.Background(), dl))
	require.Len(t, client.sent, 1)

	var got domain.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(client.sent[0]), &got))
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, 3, got.Attempts)
	assert.JSONEq(t, `{"x":1}`, string(got.Trigger.Payload))

	client.sendErr = errors.New("denied")
	require.Error(t, NewSQSDeadLetter(client, "dlq").Send(context.Background(), dl))
}

func TestBlobDeadLetter_Send(t *testing.T) {
	t.Parallel()

	store := testutil.NewMemoryStore()
	q := NewBlobDeadLetter(store, "", "", slog.New(slog.DiscardHandler))
	dl := domain.DeadLetter{Trigger: domain.Trigger{Object: domain.ObjectRef{Bucket: "uploads", Key: "acme/east/a.csv"}}, Error: "bad"}

	require.NoError(t, q.Send(context.Background(), dl))
	keys := store.Keys("uploads", "dead-letter/acme/east/a.csv/")
	require.Len(t, keys, 1)
	obj, _ := store.Get("uploads", keys[0])
	assert.Equal(t, "application/json", obj.ContentType)

	// Undecodable messages have no source bucket.
	err := q.Send(context.Background(), domain.DeadLetter{Error: "bad"})
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)

	fixed := NewBlobDeadLetter(store, "ops", "dl", slog.New(slog.DiscardHandler))
	require.NoError(t, fixed.Send(context.Background(), domain.DeadLetter{Error: "bad"}))
	assert.Len(t, store.Keys("ops", "dl/_unparsed/"), 1)
}
