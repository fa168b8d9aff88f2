package objectstore

import (
	"fmt"
	"net/url"
	"strings"

	"tenant-ingest/internal/domain"
)

// ParseURI extracts an object reference from s3://bucket/key,
// gs://bucket/key, az://container/key or a bare bucket/key. The key is
// required.
func ParseURI(raw string) (domain.ObjectRef, error) {
	if !strings.Contains(raw, "://") {
		bucket, key, _ := strings.Cut(raw, "/")
		if bucket == "" || key == "" {
			return domain.ObjectRef{}, domain.ErrValidation("object %q must be bucket/key", raw)
		}
		return domain.ObjectRef{Bucket: bucket, Key: key}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return domain.ObjectRef{}, domain.ErrValidation("parse object URI %q: %v", raw, err)
	}
	switch u.Scheme {
	case "s3", "gs", "az":
	default:
		return domain.ObjectRef{}, domain.ErrValidation("unsupported scheme %q in %q", u.Scheme, raw)
	}
	ref := domain.ObjectRef{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if ref.Bucket == "" {
		return domain.ObjectRef{}, domain.ErrValidation("empty bucket in %q", raw)
	}
	if ref.Key == "" {
		return domain.ObjectRef{}, domain.ErrValidation("empty key in %q", raw)
	}
	return ref, nil
}

// Kind names an object store backend.
type Kind string

// Backends.
const (
	KindS3    Kind = "s3"
	KindAzure Kind = "azure"
	KindGCS   Kind = "gcs"
	KindFS    Kind = "fs"
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindS3, KindAzure, KindGCS, KindFS:
		return k, nil
	}
	return "", fmt.Errorf("unknown object store %q (want s3, azure, gcs or fs)", s)
}
