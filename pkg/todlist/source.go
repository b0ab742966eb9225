package todlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Source opens the raw newline-delimited TOD list.
type Source interface {
	// Open returns a reader over the list contents.
	Open(ctx context.Context) (io.ReadCloser, error)

	// String describes the source for error messages.
	String() string
}

// Downloader fetches a blob by path or URL.
// storage.BlobStorageClient satisfies it.
type Downloader interface {
	Download(ctx context.Context, reference string) ([]byte, error)
}

// FileSource reads a list from the local filesystem.
type FileSource struct {
	Path string
}

// Open opens the file.
func (s FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Path == "" {
		return nil, errors.New("path is required")
	}
	return os.Open(s.Path)
}

func (s FileSource) String() string {
	return "file " + s.Path
}

// BlobSource reads a list stored as a blob.
type BlobSource struct {
	Client    Downloader
	Reference string
}

// Open downloads the blob into memory.
func (s BlobSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Client == nil {
		return nil, errors.New("blob client is required")
	}
	data, err := s.Client.Download(ctx, s.Reference)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s BlobSource) String() string {
	return "blob " + s.Reference
}

// Load opens src and parses its contents. Every failure, including an empty
// list, is returned as a *ListLoadError naming the source.
func Load(ctx context.Context, src Source) (List, error) {
	if src == nil {
		return nil, &ListLoadError{Source: "<nil>", Cause: errors.New("source is required")}
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, &ListLoadError{Source: src.String(), Cause: err}
	}
	defer rc.Close()

	list, err := Parse(rc)
	if err != nil {
		var lerr *ListLoadError
		if errors.As(err, &lerr) {
			lerr.Source = src.String()
			return nil, lerr
		}
		return nil, &ListLoadError{Source: src.String(), Cause: fmt.Errorf("parse: %w", err)}
	}
	return list, nil
}
