package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
)

// ErrNoInputs is returned by Combine when the pattern matches nothing.
var ErrNoInputs = errors.New("no chunk files matched")

// CombineResult describes a Combine call.
type CombineResult struct {
	Output string
	Inputs []string
	Lines  int
	Ref    string
}

// Match returns the stored paths matching a path.Match pattern, sorted.
func Match(ctx context.Context, client BlobStorageClient, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	names, err := client.List(ctx, literalPrefix(pattern))
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, name := range names {
		if ok, _ := path.Match(pattern, name); ok {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// Combine concatenates the per-chunk files matching pattern into output,
// dropping comment lines starting with '#'. When output is empty it is
// derived from the first input by removing its last extension, so
// "run_1/cuts.db.0" combines into "run_1/cuts.db". An existing output is
// appended to. Inputs are read in lexical order and the output itself is
// never treated as an input.
func Combine(ctx context.Context, client BlobStorageClient, pattern, output string, logger *zap.Logger) (*CombineResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	matched, err := Match(ctx, client, pattern)
	if err != nil {
		return nil, err
	}

	if output == "" && len(matched) > 0 {
		first := matched[0]
		output = strings.TrimSuffix(first, path.Ext(first))
	}

	var inputs []string
	for _, name := range matched {
		if name != output {
			inputs = append(inputs, name)
		}
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInputs, pattern)
	}

	var buf bytes.Buffer
	existing, err := client.Download(ctx, output)
	switch {
	case err == nil:
		buf.Write(existing)
		if len(existing) > 0 && existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	case errors.Is(err, ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to read existing output %s: %w", output, err)
	}

	result := &CombineResult{Output: output, Inputs: inputs}
	for _, name := range inputs {
		data, err := client.Download(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %s: %w", name, err)
		}
		n, err := appendDataLines(&buf, data)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %s: %w", name, err)
		}
		result.Lines += n
		logger.Debug("Combined chunk", zap.String("chunk", name), zap.Int("lines", n))
	}

	ref, err := client.Upload(ctx, output, buf.Bytes(), map[string]string{
		"combined_from": fmt.Sprintf("%d", len(inputs)),
	})
	if err != nil {
		return nil, err
	}
	result.Ref = ref

	logger.Info("Combined chunk files",
		zap.String("output", output),
		zap.Int("chunks", len(inputs)),
		zap.Int("lines", result.Lines))
	return result, nil
}

// scratchPrefixes name the per-chunk scratch files a run leaves behind.
var scratchPrefixes = []string{"errfile_", "log_", "timefile_", "cutparams_", "todList_"}

// ScratchPatterns returns the patterns matching the scratch files under dir.
func ScratchPatterns(dir string) []string {
	patterns := make([]string, len(scratchPrefixes))
	for i, prefix := range scratchPrefixes {
		patterns[i] = path.Join(dir, prefix+"*")
	}
	return patterns
}

// Clean deletes every stored path matching any of the patterns and returns
// the deleted paths.
func Clean(ctx context.Context, client BlobStorageClient, patterns []string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var deleted []string
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		matched, err := Match(ctx, client, pattern)
		if err != nil {
			return deleted, err
		}
		for _, name := range matched {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			if err := client.Delete(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
				return deleted, fmt.Errorf("failed to delete %s: %w", name, err)
			}
			deleted = append(deleted, name)
			logger.Info("Removed scratch file", zap.String("path", name))
		}
	}
	return deleted, nil
}

func appendDataLines(buf *bytes.Buffer, data []byte) (int, error) {
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		n++
	}
	return n, scanner.Err()
}

// literalPrefix returns the part of pattern before its first metacharacter.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
