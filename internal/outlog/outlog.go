// Package outlog captures the stdio of child processes into bounded
// buffers with head/tail truncation and UTF-8 validation.
package outlog

import (
	"bytes"
	"os"
	"sync"
	"unicode/utf8"
)

const (
	// MaxHead is the number of leading bytes retained in full.
	MaxHead = 512 * 1024

	// TailLength is the number of trailing bytes retained once the head
	// buffer has saturated.
	TailLength = 10 * 1024
)

const (
	truncatedMarker = "\n" +
		"*****************************************************************************\n" +
		"test.dart: Data was removed due to excessive length. Use --verbose to see\n" +
		"the full output.\n" +
		"*****************************************************************************\n"

	nonUTF8Marker = "\n" +
		"*****************************************************************************\n" +
		"test.dart: The output of this test contained non-UTF8 formatted data.\n" +
		"*****************************************************************************\n"
)

// Log buffers one stdio stream of a child process. Writes beyond MaxHead
// keep only a rolling tail; Finalize stitches head and tail together with
// a truncation notice and validates the result as UTF-8.
type Log struct {
	mu          sync.Mutex
	head        []byte
	tail        []byte
	dataDropped bool
	finalized   []byte
	done        bool
	hasNonUTF8  bool
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Write implements io.Writer. It never fails.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return len(p), nil
	}

	written := len(p)
	if room := MaxHead - len(l.head); room > 0 {
		n := min(room, len(p))
		l.head = append(l.head, p[:n]...)
		p = p[n:]
	}
	if len(p) > 0 {
		l.dataDropped = true
		l.tail = append(l.tail, p...)
		// Keep memory bounded while still retaining the final
		// TailLength bytes at finalization.
		if len(l.tail) > 2*TailLength {
			l.tail = append(l.tail[:0:0], l.tail[len(l.tail)-TailLength:]...)
		}
	}
	return written, nil
}

// HasNonUTF8 reports whether finalization found invalid UTF-8. Only
// meaningful after Finalize.
func (l *Log) HasNonUTF8() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasNonUTF8
}

// Finalize returns the captured bytes: head, then a truncation notice and
// the last TailLength bytes if data was dropped. Invalid UTF-8 is
// replaced by its lossy re-encoding plus a notice. Finalizing twice
// yields identical bytes.
func (l *Log) Finalize() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.finalized
	}
	l.done = true

	buf := l.head
	if l.dataDropped {
		tail := l.tail
		if len(tail) > TailLength {
			tail = tail[len(tail)-TailLength:]
		}
		combined := make([]byte, 0, len(buf)+len(truncatedMarker)+len(tail))
		combined = append(combined, buf...)
		combined = append(combined, truncatedMarker...)
		combined = append(combined, tail...)
		buf = combined
	}

	if !utf8.Valid(buf) {
		l.hasNonUTF8 = true
		decoded := bytes.ToValidUTF8(buf, []byte(string(utf8.RuneError)))
		decoded = append(decoded, nonUTF8Marker...)
		buf = decoded
	}

	l.finalized = buf
	l.head = nil
	l.tail = nil
	return l.finalized
}

// FileLog tees every chunk to a file in addition to buffering it.
type FileLog struct {
	*Log
	mu   sync.Mutex
	file *os.File
}

// NewFile opens path for writing and returns the teeing log.
func NewFile(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLog{Log: New(), file: f}, nil
}

func (l *FileLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.file != nil {
		_, _ = l.file.Write(p)
	}
	l.mu.Unlock()
	return l.Log.Write(p)
}

// Close flushes and releases the file sink. Safe to call more than once
// and on every exit path, including cancellation.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
