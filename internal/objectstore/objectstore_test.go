package objectstore

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-ingest/internal/domain"
)

func TestFSStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewFSStore(t.TempDir())

	require.NoError(t, s.Put(ctx, "ingest", "acme/east/data.csv", []byte("a,b\n1,2\n"), "text/csv"))
	require.NoError(t, s.Put(ctx, "ingest", "acme/west/data.csv", []byte("a\n"), "text/csv"))
	require.NoError(t, s.Put(ctx, "ingest", "failed/x.json", []byte("{}"), "application/json"))

	info, err := s.Head(ctx, "ingest", "acme/east/data.csv")
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectInfo{ContentType: "text/csv", Size: 8}, info)

	rc, err := s.Open(ctx, "ingest", "acme/east/data.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "a,b\n1,2\n", string(body))

	keys, err := s.List(ctx, "ingest", "acme/")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/east/data.csv", "acme/west/data.csv"}, keys)

	require.NoError(t, s.Delete(ctx, "ingest", "acme/east/data.csv"))
	_, err = s.Head(ctx, "ingest", "acme/east/data.csv")
	assert.True(t, domain.IsNotFound(err))
	require.NoError(t, s.Delete(ctx, "ingest", "acme/east/data.csv"), "deleting a missing object is not an error")

	keys, err = s.List(ctx, "missing-bucket", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFSStore_ContentTypeFromExtension(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewFSStore(t.TempDir())
	require.NoError(t, s.Put(ctx, "ingest", "acme/east/data.csv", []byte("a\n"), ""))

	info, err := s.Head(ctx, "ingest", "acme/east/data.csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ContentType, "text/csv"), info.ContentType)
}

func TestFSStore_ConfinedToRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	s := NewFSStore(root)

	require.NoError(t, s.Put(ctx, "ingest", "../../escape.csv", []byte("x"), "text/csv"))
	keys, err := s.List(ctx, "ingest", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"escape.csv"}, keys)

	_, err = s.Head(ctx, "../etc", "passwd")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

type fakeS3 struct {
	objects map[string]string
	types   map[string]string
	deleted []string
	listErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]string{}, types: map[string]string{}}
}

func notFound(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "not found"}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	body, ok := f.objects[k]
	if !ok {
		return nil, notFound("NotFound")
	}
	return &s3.HeadObjectOutput{ContentType: aws.String(f.types[k]), ContentLength: aws.Int64(int64(len(body)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, notFound("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[k] = string(b)
	f.types[k] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	delete(f.objects, k)
	f.deleted = append(f.deleted, k)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 returns one key per page to exercise pagination.
func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var keys []string
	for k := range f.objects {
		b, key, _ := strings.Cut(k, "/")
		if b == aws.ToString(in.Bucket) && strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	out := &s3.ListObjectsV2Output{}
	if start < len(keys) {
		out.Contents = []types.Object{{Key: aws.String(keys[start])}}
	}
	if start+1 < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[start+1])
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3Store(fake)

	require.NoError(t, s.Put(ctx, "ingest", "acme/east/a.csv", []byte("x,y\n"), "text/csv"))
	require.NoError(t, s.Put(ctx, "ingest", "acme/east/b.csv", []byte("x\n"), "text/csv"))
	require.NoError(t, s.Put(ctx, "ingest", "other/c.csv", []byte("x\n"), "text/csv"))

	info, err := s.Head(ctx, "ingest", "acme/east/a.csv")
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectInfo{ContentType: "text/csv", Size: 4}, info)

	rc, err := s.Open(ctx, "ingest", "acme/east/a.csv")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "x,y\n", string(body))

	keys, err := s.List(ctx, "ingest", "acme/")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/east/a.csv", "acme/east/b.csv"}, keys)

	require.NoError(t, s.Delete(ctx, "ingest", "acme/east/a.csv"))
	assert.Equal(t, []string{"ingest/acme/east/a.csv"}, fake.deleted)

	_, err = s.Head(ctx, "ingest", "acme/east/a.csv")
	assert.True(t, domain.IsNotFound(err))
	_, err = s.Open(ctx, "ingest", "acme/east/a.csv")
	assert.True(t, domain.IsNotFound(err))

	fake.listErr = errors.New("access denied")
	_, err = s.List(ctx, "ingest", "")
	require.ErrorIs(t, err, fake.listErr)
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    domain.ObjectRef
		wantErr bool
	}{
		{in: "s3://ingest/acme/east/data.csv", want: domain.ObjectRef{Bucket: "ingest", Key: "acme/east/data.csv"}},
		{in: "gs://ingest/acme/a.csv", want: domain.ObjectRef{Bucket: "ingest", Key: "acme/a.csv"}},
		{in: "az://container/acme/a.csv", want: domain.ObjectRef{Bucket: "container", Key: "acme/a.csv"}},
		{in: "ingest/acme/a.csv", want: domain.ObjectRef{Bucket: "ingest", Key: "acme/a.csv"}},
		{in: "s3://ingest/", wantErr: true},
		{in: "http://ingest/a.csv", wantErr: true},
		{in: "ingest", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseURI(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	k, err := ParseKind(" S3 ")
	require.NoError(t, err)
	assert.Equal(t, KindS3, k)

	_, err = ParseKind("ftp")
	require.Error(t, err)
}
