package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLog is an append-only NDJSON file. Appends are serialized by one lock
// and each record is written with a single write call; readers open their
// own handles and never block appenders.
type FileLog struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	f      *os.File
	closed bool

	notifyMu sync.Mutex
	changed  chan struct{}
}

// Open opens or creates the log at path, creating parent directories. A
// trailing partial record left by a crashed writer is terminated so the next
// append starts on a fresh line.
func Open(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if err := terminatePartialLine(path, f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileLog{
		path:    path,
		now:     time.Now,
		f:       f,
		changed: make(chan struct{}),
	}, nil
}

func terminatePartialLine(path string, w io.Writer) error {
	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audit: inspect %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	st, err := r.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, st.Size()-1); err != nil {
		return fmt.Errorf("audit: inspect %s: %w", path, err)
	}
	if last[0] != '\n' {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("audit: repair %s: %w", path, err)
		}
	}
	return nil
}

// Path returns the file location.
func (l *FileLog) Path() string { return l.path }

// Append writes one entry stamped with the current UTC time. The returned
// entry is decoded from the bytes that were written, so it equals what
// ReadAll will later return for it.
func (l *FileLog) Append(ctx context.Context, typ Type, data map[string]any) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if !typ.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if data == nil {
		data = map[string]any{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, ErrClosed
	}

	line, err := json.Marshal(Entry{
		Type:      typ,
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode entry: %w", err)
	}
	var written Entry
	if err := json.Unmarshal(line, &written); err != nil {
		return Entry{}, fmt.Errorf("audit: encode entry: %w", err)
	}

	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write %s: %w", l.path, err)
	}
	l.notify()
	return written, nil
}

// Changed returns a channel that is closed by the next append (or external
// write seen by Watch). Take the channel before reading to avoid missing a
// wake-up.
func (l *FileLog) Changed() <-chan struct{} {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	return l.changed
}

func (l *FileLog) notify() {
	l.notifyMu.Lock()
	close(l.changed)
	l.changed = make(chan struct{})
	l.notifyMu.Unlock()
}

// ReadAll returns every parsable entry in file order. Unparsable lines are
// skipped. A missing file reads as empty.
func (l *FileLog) ReadAll(ctx context.Context) ([]Entry, error) {
	lines, _, err := l.ReadFrom(0)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, ok := Parse(line)
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ReadFrom returns the complete, non-empty lines that start at or after byte
// offset, and the offset just past the last complete line. An unterminated
// trailing line is left for the next call.
func (l *FileLog) ReadFrom(offset int64) ([][]byte, int64, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("audit: stat %s: %w", l.path, err)
	}
	if st.Size() < offset {
		return nil, offset, ErrTruncated
	}
	if st.Size() == offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("audit: seek %s: %w", l.path, err)
	}

	var lines [][]byte
	next := offset
	r := bufio.NewReader(io.LimitReader(f, st.Size()-offset))
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, offset, fmt.Errorf("audit: read %s: %w", l.path, err)
		}
		next += int64(len(line))
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
	}
	return lines, next, nil
}

// Parse decodes one log line. It reports false for anything that is not a
// well-formed entry.
func Parse(line []byte) (Entry, bool) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil || !e.Type.Valid() {
		return Entry{}, false
	}
	return e, true
}

// Close closes the append handle. Reads keep working.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}
