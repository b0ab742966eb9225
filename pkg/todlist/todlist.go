// Package todlist loads and slices the ordered list of TOD identifiers a
// loop iterates over.
package todlist

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ID identifies a single TOD.
type ID string

// String returns the identifier as a string.
func (id ID) String() string {
	return string(id)
}

// List is an ordered list of TOD identifiers. Treat it as read-only.
type List []ID

// errEmptyList is wrapped in a ListLoadError when a list has no entries.
var errEmptyList = errors.New("list contains no TOD identifiers")

// Parse reads one identifier per line. Surrounding whitespace is trimmed,
// blank lines and lines starting with '#' are skipped, and identifiers are
// NFC-normalized so visually equal names compare equal.
func Parse(r io.Reader) (List, error) {
	var list List
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, ID(norm.NFC.String(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, &ListLoadError{Source: "reader", Cause: err}
	}
	if len(list) == 0 {
		return nil, &ListLoadError{Source: "reader", Cause: errEmptyList}
	}
	return list, nil
}

// Len returns the number of identifiers in the list.
func (l List) Len() int {
	return len(l)
}

// Range returns the identifiers in [start, end).
// A window with start >= end is valid and empty as long as both bounds lie
// within the list; anything outside 0..Len() is a RangeError.
func (l List) Range(start, end int) ([]ID, error) {
	if start < 0 || end < 0 || start > len(l) || end > len(l) {
		return nil, &RangeError{Start: start, End: end, Len: len(l)}
	}
	if start >= end {
		return []ID{}, nil
	}
	out := make([]ID, end-start)
	copy(out, l[start:end])
	return out, nil
}

// Chunk is a contiguous [Start, End) window of a list.
type Chunk struct {
	Start int
	End   int
}

// Len returns the number of identifiers in the chunk.
func (c Chunk) Len() int {
	return c.End - c.Start
}

// Chunks splits [start, end) into at most n contiguous, non-empty windows of
// near-equal size. Earlier chunks receive the remainder.
func Chunks(start, end, n int) []Chunk {
	total := end - start
	if total <= 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > total {
		n = total
	}

	size := total / n
	extra := total % n
	chunks := make([]Chunk, 0, n)
	pos := start
	for i := 0; i < n; i++ {
		width := size
		if i < extra {
			width++
		}
		chunks = append(chunks, Chunk{Start: pos, End: pos + width})
		pos += width
	}
	return chunks
}
