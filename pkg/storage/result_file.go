package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Row is one TOD's entry in a result file.
type Row map[string]any

// ResultFileMeta contains metadata about the result file
type ResultFileMeta struct {
	Pipeline     string    `json:"pipeline,omitempty"`
	RunIDs       []string  `json:"run_ids"`
	LastModified time.Time `json:"last_modified"`
	RowCount     int       `json:"row_count"`
}

// ResultFile is the shared artifact several runs write their rows into,
// one group per run (for example "train" and "validate").
// Format: { "_meta": {...}, "groups": { "<group>": [row, ...] } }
type ResultFile struct {
	Meta   ResultFileMeta   `json:"_meta"`
	Groups map[string][]Row `json:"groups"`
}

// GroupNames returns the group names in lexical order.
func (f *ResultFile) GroupNames() []string {
	names := make([]string, 0, len(f.Groups))
	for g := range f.Groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

func (f *ResultFile) countRows() int {
	n := 0
	for _, rows := range f.Groups {
		n += len(rows)
	}
	return n
}

// ResultFileClient reads and updates result files.
type ResultFileClient struct {
	blobClient BlobStorageClient
	logger     *zap.Logger
	mu         sync.Mutex // serializes read-modify-write cycles
}

// NewResultFileClient creates a new result file client
func NewResultFileClient(blobClient BlobStorageClient, logger *zap.Logger) *ResultFileClient {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &ResultFileClient{
		blobClient: blobClient,
		logger:     logger,
	}
}

// ResultFilePath returns the standard path of a pipeline's result file.
func ResultFilePath(pipeline, name string) string {
	return fmt.Sprintf("results/%s/%s.json", pipeline, name)
}

// WriteGroup replaces one group's rows in the result file at path, keeping
// the other groups. The file is created when it does not exist yet.
func (c *ResultFileClient) WriteGroup(ctx context.Context, path, pipeline, runID, group string, rows []Row) (string, error) {
	return c.updateGroup(ctx, path, pipeline, runID, group, func([]Row) []Row {
		if rows == nil {
			return []Row{}
		}
		return rows
	})
}

// MergeGroup updates one group's rows by key: an existing row whose key
// field equals an incoming row's is replaced in place, and incoming rows
// with a new key are appended in order. Rows without the key are appended.
func (c *ResultFileClient) MergeGroup(ctx context.Context, path, pipeline, runID, group, key string, rows []Row) (string, error) {
	if key == "" {
		return "", fmt.Errorf("merge key is required")
	}
	return c.updateGroup(ctx, path, pipeline, runID, group, func(existing []Row) []Row {
		merged := append(make([]Row, 0, len(existing)+len(rows)), existing...)
		at := make(map[string]int, len(existing))
		for i, row := range existing {
			if v, ok := row[key]; ok {
				at[fmt.Sprint(v)] = i
			}
		}
		for _, row := range rows {
			v, ok := row[key]
			if !ok {
				merged = append(merged, row)
				continue
			}
			if i, ok := at[fmt.Sprint(v)]; ok {
				merged[i] = row
				continue
			}
			at[fmt.Sprint(v)] = len(merged)
			merged = append(merged, row)
		}
		return merged
	})
}

// updateGroup runs one read-modify-write cycle of the result file at path,
// setting group to what update returns for its current rows.
func (c *ResultFileClient) updateGroup(ctx context.Context, path, pipeline, runID, group string, update func(existing []Row) []Row) (string, error) {
	if c.blobClient == nil {
		return "", fmt.Errorf("blob client not initialized")
	}
	if group == "" {
		return "", fmt.Errorf("group is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.load(ctx, path)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		c.logger.Debug("Result file doesn't exist yet, creating new", zap.String("path", path))
		file = &ResultFile{Groups: make(map[string][]Row)}
	}

	rows := update(file.Groups[group])
	file.Groups[group] = rows
	if pipeline != "" {
		file.Meta.Pipeline = pipeline
	}
	if runID != "" && !slices.Contains(file.Meta.RunIDs, runID) {
		file.Meta.RunIDs = append(file.Meta.RunIDs, runID)
	}
	file.Meta.LastModified = time.Now().UTC()
	file.Meta.RowCount = file.countRows()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result file: %w", err)
	}

	ref, err := c.blobClient.Upload(ctx, path, data, map[string]string{
		"pipeline":      file.Meta.Pipeline,
		"run_id":        runID,
		"last_group":    group,
		"row_count":     fmt.Sprintf("%d", file.Meta.RowCount),
		"last_modified": file.Meta.LastModified.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload result file: %w", err)
	}

	c.logger.Info("Wrote result file group",
		zap.String("path", path),
		zap.String("group", group),
		zap.String("run_id", runID),
		zap.Int("group_rows", len(rows)),
		zap.Int("total_rows", file.Meta.RowCount),
		zap.Int("size_bytes", len(data)))

	return ref, nil
}

// GetResultFile downloads and parses the entire result file
func (c *ResultFileClient) GetResultFile(ctx context.Context, path string) (*ResultFile, error) {
	if c.blobClient == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}
	return c.load(ctx, path)
}

// GetGroup returns one group's rows.
func (c *ResultFileClient) GetGroup(ctx context.Context, path, group string) ([]Row, error) {
	file, err := c.GetResultFile(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, ok := file.Groups[group]
	if !ok {
		return nil, fmt.Errorf("group not found: %s", group)
	}
	return rows, nil
}

func (c *ResultFileClient) load(ctx context.Context, path string) (*ResultFile, error) {
	data, err := c.blobClient.Download(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to download result file: %w", err)
	}

	var file ResultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse result file: %w", err)
	}
	if file.Groups == nil {
		file.Groups = make(map[string][]Row)
	}
	return &file, nil
}
