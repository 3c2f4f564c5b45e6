package appmon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const (
	// maxPartialLine bounds the unterminated tail kept between polls
	maxPartialLine = 64 << 10
	tailChunkSize  = 8 << 10
)

// LogReader tails a text file and emits the lines appended since the
// previous poll. A full snapshot returns the last "lastLines" lines of the
// file instead.
//
// Parameters: "file" (required) and "lastLines" (default 0). Tailing starts
// at the end of the file as it is when the reader starts; a file that
// shrinks is read again from the start.
type LogReader struct {
	baseReader
	path      string
	lastLines int

	offset  int64
	partial []byte
	pending []string
}

// NewLogReader creates a log reader
func NewLogReader(signal Signal) *LogReader {
	return &LogReader{baseReader: newBaseReader(signal, nil)}
}

func (r *LogReader) Kind() Kind { return KindLog }

// Init implements Reader interface
func (r *LogReader) Init() error {
	if r.signal.Name() == "" {
		return fmt.Errorf("%w: signal name cannot be empty", ErrConfiguration)
	}
	path, err := r.signal.RequireString("file")
	if err != nil {
		return err
	}
	r.path = path
	if s, ok := r.signal.StringParam("lastLines"); ok {
		n, ok := toInt64(s)
		if !ok || n < 0 {
			return fmt.Errorf("%w: signal %q has invalid lastLines %q", ErrConfiguration, r.signal.Name(), s)
		}
		r.lastLines = int(n)
	}
	return nil
}

// Start implements Reader interface. A missing file is tailed from its
// first byte once it appears.
func (r *LogReader) Start(ctx context.Context) error {
	r.offset = 0
	r.partial = nil
	r.pending = nil
	info, err := os.Stat(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat log file %q: %w", r.path, err)
	}
	r.offset = info.Size()
	return nil
}

// Stop implements Reader interface
func (r *LogReader) Stop() {
	r.partial = nil
	r.pending = nil
}

// HasChanged reads the complete lines appended since the last call
func (r *LogReader) HasChanged(ctx context.Context) bool {
	lines, err := r.readNew()
	if err != nil || len(lines) == 0 {
		return false
	}
	r.pending = append(r.pending, lines...)
	return true
}

func (r *LogReader) readNew() ([]string, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < r.offset {
		// truncated or rotated in place
		r.offset = 0
		r.partial = nil
	}
	if info.Size() == r.offset {
		return nil, nil
	}
	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, err
	}

	var lines []string
	reader := bufio.NewReader(io.LimitReader(f, info.Size()-r.offset))
	for {
		chunk, err := reader.ReadBytes('\n')
		r.offset += int64(len(chunk))
		if err == nil {
			line := append(r.partial, chunk[:len(chunk)-1]...)
			r.partial = nil
			lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(r.partial)+len(chunk) <= maxPartialLine {
				r.partial = append(r.partial, chunk...)
			}
			return lines, nil
		}
		return lines, err
	}
}

// Sample implements Reader interface. A gated sample carries the lines
// collected by HasChanged; an ungated one carries the file's last lines.
func (r *LogReader) Sample(ctx context.Context, gated bool) (*Sample, error) {
	var lines []string
	if gated {
		lines, r.pending = r.pending, nil
	} else if r.lastLines > 0 {
		var err error
		if lines, err = readLastLines(r.path, r.lastLines); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read last lines of %q: %w", r.path, err)
		}
	}
	if lines == nil {
		lines = []string{}
	}
	data := map[string]any{
		"file":  r.path,
		"lines": lines,
		"count": len(lines),
	}
	s := r.newSample(KindLog, "", data)
	if len(lines) > 0 {
		s.Value = lines[len(lines)-1]
	}
	return s, nil
}

// readLastLines returns up to n complete or trailing lines from the end of
// the file at path, oldest first.
func readLastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	end := info.Size()
	var buf []byte
	for pos := end; pos > 0 && bytes.Count(buf, []byte{'\n'}) <= n; {
		size := int64(tailChunkSize)
		if pos < size {
			size = pos
		}
		pos -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)
	}

	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	if len(buf) == 0 {
		return nil, nil
	}
	parts := bytes.Split(buf, []byte{'\n'})
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = string(bytes.TrimSuffix(p, []byte{'\r'}))
	}
	return lines, nil
}
