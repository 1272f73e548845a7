package reporter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

// Line is a value that encodes itself as one newline-delimited JSON line
type Line interface {
	MarshalLine() ([]byte, error)
}

// LineWriter writes newline-delimited JSON records to a file
type LineWriter struct {
	path      string
	file      *os.File
	buf       *bufio.Writer
	count     int
	written   int64
	committed int64
}

// OpenLines opens path for writing, creating parent directories. With
// appendMode existing lines are kept, otherwise the file is truncated.
func OpenLines(path string, appendMode bool) (*LineWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &LineWriter{
		path:      path,
		file:      f,
		buf:       bufio.NewWriter(f),
		written:   info.Size(),
		committed: info.Size(),
	}, nil
}

// Path returns the file being written
func (w *LineWriter) Path() string {
	return w.path
}

// Count returns the number of lines written through w
func (w *LineWriter) Count() int {
	return w.count
}

// Write encodes l and appends it with a trailing newline
func (w *LineWriter) Write(l Line) error {
	data, err := l.MarshalLine()
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.written += int64(len(data)) + 1
	w.count++
	return nil
}

// Sync flushes buffered lines and commits them to disk
func (w *LineWriter) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.committed = w.written
	return nil
}

// Committed returns the file size as of the last successful Sync
func (w *LineWriter) Committed() int64 {
	return w.committed
}

// TruncateTo drops everything past size, discarding lines written after a
// checkpoint. The file must already hold at least size bytes.
func (w *LineWriter) TruncateTo(size int64) error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", w.path, err)
	}
	if info.Size() < size {
		return fmt.Errorf("%s holds %d bytes, expected at least %d", w.path, info.Size(), size)
	}
	if err := w.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", w.path, err)
	}
	w.written = size
	w.committed = size
	return nil
}

// Close flushes and closes the file
func (w *LineWriter) Close() error {
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, flushErr)
	}
	return closeErr
}

// WriteRecords replaces path with one line per record, in the given order.
// The previous file stays in place until the new one is complete.
func WriteRecords(path string, records []models.EnrichedRecord) error {
	tmp := path + ".partial"
	w, err := OpenLines(tmp, false)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Sync(); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
