package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"tenant-ingest/internal/domain"
)

var _ domain.ObjectStore = (*AzureStore)(nil)

// AzureStore maps buckets to Azure Blob Storage containers.
type AzureStore struct {
	client *azblob.Client
}

// NewAzureStore creates a store authenticated with an account shared key.
func NewAzureStore(accountName, accountKey string) (*AzureStore, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureStore{client: client}, nil
}

// Head implements domain.ObjectStore.
func (s *AzureStore) Head(ctx context.Context, container, name string) (domain.ObjectInfo, error) {
	props, err := s.client.ServiceClient().NewContainerClient(container).NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return domain.ObjectInfo{}, azureError(err, container, name)
	}
	info := domain.ObjectInfo{}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	return info, nil
}

// Open implements domain.ObjectStore.
func (s *AzureStore) Open(ctx context.Context, container, name string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		return nil, azureError(err, container, name)
	}
	return resp.Body, nil
}

// Put implements domain.ObjectStore.
func (s *AzureStore) Put(ctx context.Context, container, name string, body []byte, contentType string) error {
	_, err := s.client.UploadBuffer(ctx, container, name, body, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("upload az://%s/%s: %w", container, name, err)
	}
	return nil
}

// Delete implements domain.ObjectStore.
func (s *AzureStore) Delete(ctx context.Context, container, name string) error {
	_, err := s.client.DeleteBlob(ctx, container, name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete az://%s/%s: %w", container, name, err)
	}
	return nil
}

// List implements domain.ObjectStore.
func (s *AzureStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	var names []string
	pager := s.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list az://%s/%s: %w", container, prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func azureError(err error, container, name string) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return domain.ErrNotFound("blob az://%s/%s not found", container, name)
	}
	return fmt.Errorf("az://%s/%s: %w", container, name, err)
}
