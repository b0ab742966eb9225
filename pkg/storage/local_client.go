package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// LocalClient implements BlobStorageClient on a directory tree. Metadata is
// not persisted.
type LocalClient struct {
	root   string
	logger *zap.Logger
}

// NewLocalClient creates a client rooted at dir, creating it if needed.
func NewLocalClient(dir string, logger *zap.Logger) (*LocalClient, error) {
	if dir == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalClient{root: abs, logger: logger}, nil
}

// Root returns the absolute root directory.
func (c *LocalClient) Root() string {
	return c.root
}

// Upload writes data to path under the root.
func (c *LocalClient) Upload(ctx context.Context, p string, data []byte, metadata map[string]string) (string, error) {
	full, err := c.resolve(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	c.logger.Debug("Wrote file",
		zap.String("path", full),
		zap.Int("size_bytes", len(data)))
	return "file://" + filepath.ToSlash(full), nil
}

// Download reads a file by relative path or file:// reference.
func (c *LocalClient) Download(ctx context.Context, reference string) ([]byte, error) {
	full, err := c.resolve(reference)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// List returns the slash-separated relative paths starting with prefix.
func (c *LocalClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) && !strings.HasSuffix(rel, ".tmp") {
			names = append(names, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a file.
func (c *LocalClient) Delete(ctx context.Context, p string) error {
	full, err := c.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	c.logger.Debug("Deleted file", zap.String("path", full))
	return nil
}

// resolve maps a relative path or file:// reference to a path under root.
func (c *LocalClient) resolve(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	ref = strings.TrimPrefix(ref, "file://")
	if ref == "" {
		return "", fmt.Errorf("path is required")
	}

	var full string
	if filepath.IsAbs(ref) {
		full = filepath.Clean(ref)
	} else {
		full = filepath.Join(c.root, filepath.FromSlash(path.Clean("/" + ref)))
	}

	rel, err := filepath.Rel(c.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q is outside %s", reference, c.root)
	}
	return full, nil
}

var _ BlobStorageClient = (*LocalClient)(nil)
