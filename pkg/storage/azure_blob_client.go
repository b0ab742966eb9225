package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

// AzureBlobClient keeps TOD lists, result files and exports in one Azure
// Blob Storage container. The container is created on first upload.
type AzureBlobClient struct {
	container     *container.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger

	createOnce sync.Once
	createErr  error
}

// azureAccount is the part of a connection string the client needs.
type azureAccount struct {
	name     string
	key      string
	endpoint string
}

func parseAccount(connectionString string) (azureAccount, error) {
	params := parseConnectionString(connectionString)
	acct := azureAccount{
		name:     params["AccountName"],
		key:      params["AccountKey"],
		endpoint: strings.TrimRight(params["BlobEndpoint"], "/"),
	}
	if acct.name == "" || acct.key == "" {
		return acct, errors.New("account name and key are required in the connection string")
	}
	if acct.endpoint == "" {
		acct.endpoint = "https://" + acct.name + ".blob.core.windows.net"
	}
	return acct, nil
}

// NewAzureBlobClient builds a client from a storage account connection
// string. A BlobEndpoint using http (Azurite) is accepted.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	switch {
	case logger == nil:
		return nil, errors.New("azure storage: logger is required")
	case connectionString == "":
		return nil, errors.New("azure storage: connection string is required")
	case containerName == "":
		return nil, errors.New("azure storage: container name is required")
	}

	acct, err := parseAccount(connectionString)
	if err != nil {
		return nil, fmt.Errorf("azure storage: %w", err)
	}
	cred, err := azblob.NewSharedKeyCredential(acct.name, acct.key)
	if err != nil {
		return nil, fmt.Errorf("azure storage: credential for %s: %w", acct.name, err)
	}

	opts := &container.ClientOptions{}
	if strings.HasPrefix(strings.ToLower(acct.endpoint), "http://") {
		opts.ClientOptions = azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true}
	}
	cc, err := container.NewClientWithSharedKeyCredential(acct.endpoint+"/"+containerName, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure storage: container client for %s: %w", containerName, err)
	}

	return &AzureBlobClient{
		container:     cc,
		serviceURL:    acct.endpoint,
		containerName: containerName,
		logger:        logger.With(zap.String("container", containerName)),
	}, nil
}

// Upload writes data to blobPath and returns the blob URL.
func (a *AzureBlobClient) Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := a.createContainer(ctx); err != nil {
		return "", err
	}

	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		meta[k] = to.Ptr(v)
	}

	bb := a.container.NewBlockBlobClient(blobPath)
	_, err := bb.UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType(blobPath))},
	})
	if err != nil {
		a.logger.Error("Blob upload failed",
			zap.String("blob_path", blobPath),
			zap.Int("size_bytes", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("upload %s: %w", blobPath, err)
	}

	a.logger.Debug("Uploaded blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return bb.URL(), nil
}

// Download accepts a blob path or a full blob URL, with or without a SAS.
func (a *AzureBlobClient) Download(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := a.extractBlobPath(reference)
	if err != nil {
		return nil, err
	}

	resp, err := a.container.NewBlobClient(blobPath).DownloadStream(ctx, nil)
	if err != nil {
		return nil, a.blobError("download", blobPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", blobPath, err)
	}
	return data, nil
}

// List returns the sorted blob names under prefix. A container that does
// not exist yet lists as empty.
func (a *AzureBlobClient) List(ctx context.Context, prefix string) ([]string, error) {
	opts := &container.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}

	var names []string
	pager := a.container.NewListBlobsFlatPager(opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes blobPath. A missing blob yields ErrNotFound.
func (a *AzureBlobClient) Delete(ctx context.Context, blobPath string) error {
	if _, err := a.container.NewBlobClient(blobPath).Delete(ctx, nil); err != nil {
		return a.blobError("delete", blobPath, err)
	}
	a.logger.Debug("Deleted blob", zap.String("blob_path", blobPath))
	return nil
}

func (a *AzureBlobClient) blobError(op, blobPath string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, blobPath)
	}
	return fmt.Errorf("%s %s: %w", op, blobPath, err)
}

// createContainer runs once per client. An existing container is success.
func (a *AzureBlobClient) createContainer(ctx context.Context) error {
	a.createOnce.Do(func() {
		_, err := a.container.Create(ctx, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			a.createErr = fmt.Errorf("create container %s: %w", a.containerName, err)
		}
	})
	return a.createErr
}

// parseConnectionString splits "Key=Value;Key=Value". Values may contain '='.
func parseConnectionString(connectionString string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}
	return params
}

// extractBlobPath reduces a reference to a path inside the container. It
// strips the service URL, a SAS query and the container name.
func (a *AzureBlobClient) extractBlobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", errors.New("blob reference is required")
	}
	// Azurite endpoints carry the account name in the path.
	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(a.serviceURL)) {
		ref = ref[len(a.serviceURL):]
	}

	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	} else {
		ref, _, _ = strings.Cut(ref, "?")
		if unescaped, err := url.PathUnescape(ref); err == nil {
			ref = unescaped
		}
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, a.containerName+"/")
	if ref == "" || ref == a.containerName {
		return "", fmt.Errorf("blob reference %q has no blob path", reference)
	}
	return ref, nil
}

func contentType(blobPath string) string {
	switch path.Ext(blobPath) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

var _ BlobStorageClient = (*AzureBlobClient)(nil)
