package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tenant-ingest/internal/domain"
)

var _ domain.ObjectStore = (*FSStore)(nil)

// contentTypeSuffix stores the declared content type next to an object.
const contentTypeSuffix = ".content-type"

// FSStore keeps objects as files under root/<bucket>/<key>. Content types
// are stored in sidecar files, falling back to the extension.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) path(bucket, key string) (string, error) {
	if bucket == "" || strings.Contains(bucket, "/") || bucket == ".." {
		return "", domain.ErrValidation("invalid bucket %q", bucket)
	}
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.HasSuffix(key, contentTypeSuffix) {
		return "", domain.ErrValidation("invalid key %q", key)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean)), nil
}

// Head implements domain.ObjectStore.
func (s *FSStore) Head(_ context.Context, bucket, key string) (domain.ObjectInfo, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return domain.ObjectInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return domain.ObjectInfo{}, fsError(err, bucket, key)
	}
	ct, err := os.ReadFile(p + contentTypeSuffix) //nolint:gosec // path is confined to root
	if err != nil {
		ct = []byte(mime.TypeByExtension(filepath.Ext(p)))
	}
	return domain.ObjectInfo{ContentType: strings.TrimSpace(string(ct)), Size: st.Size()}, nil
}

// Open implements domain.ObjectStore.
func (s *FSStore) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // path is confined to root
	if err != nil {
		return nil, fsError(err, bucket, key)
	}
	return f, nil
}

// Put implements domain.ObjectStore.
func (s *FSStore) Put(_ context.Context, bucket, key string, body []byte, contentType string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create directory for %s/%s: %w", bucket, key, err)
	}
	if err := os.WriteFile(p, body, 0o600); err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	if contentType != "" {
		if err := os.WriteFile(p+contentTypeSuffix, []byte(contentType), 0o600); err != nil {
			return fmt.Errorf("write content type of %s/%s: %w", bucket, key, err)
		}
	}
	return nil
}

// Delete implements domain.ObjectStore.
func (s *FSStore) Delete(_ context.Context, bucket, key string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	if err := os.Remove(p + contentTypeSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete content type of %s/%s: %w", bucket, key, err)
	}
	return nil
}

// List implements domain.ObjectStore.
func (s *FSStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	base := filepath.Join(s.root, bucket)
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, contentTypeSuffix) {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func fsError(err error, bucket, key string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ErrNotFound("object %s/%s not found", bucket, key)
	}
	return fmt.Errorf("%s/%s: %w", bucket, key, err)
}
