// Package archive unpacks uploaded ZIP folders into text entries.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformedArchive indicates that the ZIP container could not be parsed.
	ErrMalformedArchive = errors.New("archive: malformed archive")
	// ErrEmptyArchive indicates that no usable entries remained after filtering.
	ErrEmptyArchive = errors.New("archive: no usable entries")
	// ErrArchiveTooLarge indicates that the archive exceeded the configured limits.
	ErrArchiveTooLarge = errors.New("archive: limits exceeded")
)

const (
	resourceForkPrefix = "__MACOSX/"
	hiddenFilePrefix   = "._"
	zipExtension       = ".zip"
)

// Entry is one text file extracted from an archive.
type Entry struct {
	Path    string
	Name    string
	Content string
}

// Limits bounds how much an archive may expand to. Zero disables a limit.
type Limits struct {
	MaxEntries    int
	MaxEntryBytes int64
	MaxTotalBytes int64
}

// Usage counts the entries and expanded bytes already charged against a Limits.
type Usage struct {
	Entries int
	Bytes   int64
}

// Reader iterates the usable entries of a ZIP archive.
type Reader struct {
	zipReader *zip.Reader
	limits    Limits
	start     Usage
	usage     Usage
}

// Open parses the archive directory without reading entry contents.
func Open(data []byte, limits Limits) (*Reader, error) {
	return OpenAfter(data, limits, Usage{})
}

// OpenAfter is Open for an archive that shares limits with archives read before it.
func OpenAfter(data []byte, limits Limits, spent Usage) (*Reader, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedArchive)
	}
	zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) && zipReader != nil {
		// entry names are sanitized while iterating
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	return &Reader{zipReader: zipReader, limits: limits, start: spent, usage: spent}, nil
}

// Usage reports what has been charged so far, including the usage passed to OpenAfter.
func (r *Reader) Usage() Usage {
	return r.usage
}

// Entries yields usable entries in archive order, reading one entry at a time.
// Iteration stops after the first error.
func (r *Reader) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		count, total := r.start.Entries, r.start.Bytes
		r.usage = r.start
		for _, file := range r.zipReader.File {
			entryPath, ok := usablePath(file)
			if !ok {
				continue
			}
			count++
			if r.limits.MaxEntries > 0 && count > r.limits.MaxEntries {
				yield(Entry{}, fmt.Errorf("%w: more than %d entries", ErrArchiveTooLarge, r.limits.MaxEntries))
				return
			}
			content, err := r.readEntry(file, r.entryBudget(total))
			if err != nil {
				yield(Entry{}, err)
				return
			}
			total += int64(len(content))
			r.usage = Usage{Entries: count, Bytes: total}
			entry := Entry{
				Path:    entryPath,
				Name:    path.Base(entryPath),
				Content: decodeText(content),
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Extract collects every usable entry of the archive.
func Extract(data []byte, limits Limits) ([]Entry, error) {
	reader, err := Open(data, limits)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for entry, err := range reader.Entries() {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyArchive
	}
	return entries, nil
}

// ProjectNameFromFilename derives a project name from an uploaded archive's file name.
func ProjectNameFromFilename(filename string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/")
	base := path.Base(normalized)
	if base == "." || base == "/" {
		return ""
	}
	if strings.HasSuffix(strings.ToLower(base), zipExtension) {
		base = base[:len(base)-len(zipExtension)]
	}
	return strings.TrimSpace(base)
}

// CleanPath normalizes a client supplied path the same way archive entry names are normalized.
func CleanPath(raw string) string {
	return sanitizePath(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
}

// entryBudget is the most the next entry may expand to, given what has been read so far.
// A negative budget means no limit applies.
func (r *Reader) entryBudget(total int64) int64 {
	budget := int64(-1)
	if r.limits.MaxEntryBytes > 0 {
		budget = r.limits.MaxEntryBytes
	}
	if r.limits.MaxTotalBytes > 0 {
		remaining := max(r.limits.MaxTotalBytes-total, 0)
		if budget < 0 || remaining < budget {
			budget = remaining
		}
	}
	return budget
}

// readEntry decompresses one entry, stopping as soon as it outgrows budget.
// The declared size is checked first but never trusted.
func (r *Reader) readEntry(file *zip.File, budget int64) ([]byte, error) {
	if budget >= 0 && file.UncompressedSize64 > uint64(budget) {
		return nil, r.overBudget(file, budget)
	}
	handle, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrMalformedArchive, file.Name, err)
	}
	defer handle.Close()

	var source io.Reader = handle
	if budget >= 0 {
		source = io.LimitReader(handle, budget+1)
	}
	content, err := io.ReadAll(source)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformedArchive, file.Name, err)
	}
	if budget >= 0 && int64(len(content)) > budget {
		return nil, r.overBudget(file, budget)
	}
	return content, nil
}

func (r *Reader) overBudget(file *zip.File, budget int64) error {
	if r.limits.MaxEntryBytes > 0 && budget == r.limits.MaxEntryBytes {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrArchiveTooLarge, file.Name, budget)
	}
	return fmt.Errorf("%w: more than %d bytes in total", ErrArchiveTooLarge, r.limits.MaxTotalBytes)
}

// usablePath reports the normalized entry path, or false for directories and platform junk.
func usablePath(file *zip.File) (string, bool) {
	raw := strings.ReplaceAll(file.Name, "\\", "/")
	if file.FileInfo().IsDir() || strings.HasSuffix(raw, "/") {
		return "", false
	}
	if strings.HasPrefix(strings.TrimLeft(raw, "/"), resourceForkPrefix) {
		return "", false
	}
	if strings.HasPrefix(path.Base(raw), hiddenFilePrefix) {
		return "", false
	}
	normalized := sanitizePath(raw)
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

// sanitizePath strips drive letters, leading slashes and dot segments without escaping the root.
func sanitizePath(raw string) string {
	if len(raw) > 1 && raw[1] == ':' {
		raw = raw[2:]
	}
	parts := strings.Split(strings.TrimLeft(raw, "/"), "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
			continue
		}
		stack = append(stack, part)
	}
	return strings.Join(stack, "/")
}

func decodeText(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	return strings.ToValidUTF8(string(content), string(utf8.RuneError))
}
