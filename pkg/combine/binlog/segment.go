package binlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// segmentFileName builds the "binlog.<index>" path for segment index.
func segmentFileName(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("binlog.%06d", index))
}

// indexFileName is the small text file recording which segment is
// currently being written and how many bytes it holds, so a writer can
// consult it on restart to find where to resume appending.
func indexFileName(dir string) string {
	return filepath.Join(dir, "binlog.index")
}

// DefaultMaxSegmentBytes bounds how large one segment file grows before
// Writer rolls over to the next index, so a replica catching up never
// has to stream one unbounded file.
const DefaultMaxSegmentBytes = 64 * 1024 * 1024

// Writer appends Records to a sequence of segment files under dir,
// rolling over once the active segment exceeds MaxSegmentBytes, and
// persisting its position to the index file after every write so a
// restart resumes exactly where it left off.
type Writer struct {
	mu sync.Mutex

	dir             string
	maxSegmentBytes int64

	index       int
	offset      int64
	file        *os.File
	dataVersion uint64 // last data_version written; enforces monotonicity
}

// WriterOption configures Writer construction.
type WriterOption func(*Writer)

// WithMaxSegmentBytes overrides DefaultMaxSegmentBytes.
func WithMaxSegmentBytes(n int64) WriterOption {
	return func(w *Writer) { w.maxSegmentBytes = n }
}

// OpenWriter opens (or creates) the binlog directory dir, resuming from
// its index file if one exists.
func OpenWriter(dir string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("binlog: create dir: %w", err)
	}
	w := &Writer{dir: dir, maxSegmentBytes: DefaultMaxSegmentBytes}
	for _, opt := range opts {
		opt(w)
	}

	idx, off, dataVersion, err := readIndexFile(dir)
	if err != nil {
		return nil, err
	}
	w.index, w.offset, w.dataVersion = idx, off, dataVersion

	f, err := os.OpenFile(segmentFileName(dir, w.index), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("binlog: open segment: %w", err)
	}
	w.file = f
	return w, nil
}

// Append writes r to the active segment, rolling over first if doing so
// would exceed MaxSegmentBytes. Returns ErrNonMonotonicDataVersion if
// r.DataVersion does not strictly increase from the last record
// written.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if r.DataVersion <= w.dataVersion && w.dataVersion != 0 {
		return ErrNonMonotonicDataVersion
	}

	line := r.Format()
	if w.offset+int64(len(line)) > w.maxSegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := w.file.WriteString(line)
	if err != nil {
		return fmt.Errorf("binlog: write record: %w", err)
	}
	w.offset += int64(n)
	w.dataVersion = r.DataVersion

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("binlog: sync segment: %w", err)
	}
	return writeIndexFile(w.dir, w.index, w.offset, w.dataVersion)
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("binlog: close segment: %w", err)
	}
	w.index++
	w.offset = 0
	f, err := os.OpenFile(segmentFileName(w.dir, w.index), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("binlog: open next segment: %w", err)
	}
	w.file = f
	return nil
}

// Position returns the writer's current (segment index, byte offset).
func (w *Writer) Position() (index int, offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index, w.offset
}

// Close flushes and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ErrNonMonotonicDataVersion is returned by Append when a record's
// data_version does not strictly increase, which would otherwise let a
// replica apply records out of order.
var ErrNonMonotonicDataVersion = fmt.Errorf("binlog: data_version did not increase monotonically")

func readIndexFile(dir string) (index int, offset int64, dataVersion uint64, err error) {
	f, err := os.Open(indexFileName(dir))
	if os.IsNotExist(err) {
		return 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("binlog: read index: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fscanf(f, "%d %d %d", &index, &offset, &dataVersion)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("binlog: parse index: %w", err)
	}
	return index, offset, dataVersion, nil
}

func writeIndexFile(dir string, index int, offset int64, dataVersion uint64) error {
	tmp := indexFileName(dir) + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d %d %d\n", index, offset, dataVersion)), 0o644); err != nil {
		return fmt.Errorf("binlog: write index: %w", err)
	}
	return os.Rename(tmp, indexFileName(dir))
}

// Reader streams Records back out of a segment file, in order, starting
// at the offset passed to OpenReader. Used by a replica catching up from a known
// (index, offset) position.
type Reader struct {
	f       *os.File
	scanner *bufio.Scanner
}

// OpenReader opens segment index within dir and seeks to offset.
func OpenReader(dir string, index int, offset int64) (*Reader, error) {
	f, err := os.Open(segmentFileName(dir, index))
	if err != nil {
		return nil, fmt.Errorf("binlog: open segment for read: %w", err)
	}
	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		f.Close()
		return nil, fmt.Errorf("binlog: seek segment: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Split(scanLines)
	return &Reader{f: f, scanner: sc}, nil
}

// Next returns the next Record, or (Record{}, false, nil) at EOF.
func (r *Reader) Next() (Record, bool, error) {
	if !r.scanner.Scan() {
		return Record{}, false, r.scanner.Err()
	}
	line := r.scanner.Text()
	if line == "" {
		return Record{}, false, nil
	}
	rec, err := Parse(line)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
