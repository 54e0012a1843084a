package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Record is one verified span of payload addressed by its absolute offset in
// the output stream.
type Record struct {
	Offset int64
	Data   []byte
}

// Writer persists verified records to a single output file with positional
// writes. It is the only owner of the file descriptor; the session produces
// records, the writer consumes them.
type Writer struct {
	f    *os.File
	path string
	log  *slog.Logger
}

// UniquePath joins dir and name, suffixing "-(1)", "-(2)", ... while the
// candidate already exists.
func UniquePath(dir, name string) (string, error) {
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-(%d)", name, i)
		}

		path := filepath.Join(dir, candidate)
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("storage: stat %q: %w", path, err)
		}
	}
}

// NewWriter creates the output file at path.
func NewWriter(path string, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create %q: %w", path, err)
	}

	return &Writer{f: f, path: path, log: log.With("file", path)}, nil
}

// Path returns the resolved output file path.
func (w *Writer) Path() string { return w.path }

// Run consumes queue until it is closed, a sentinel record with an empty
// payload arrives, or ctx is cancelled. Any write error is fatal and
// returned immediately; the download cannot proceed without a sink.
func (w *Writer) Run(ctx context.Context, queue <-chan Record) error {
	for {
		select {
		case <-ctx.Done():
			// Cancellation races the final records: the session
			// closes the queue at completion, so whatever is
			// already buffered still belongs on disk.
			return w.drain(ctx, queue)

		case rec, open := <-queue:
			if !open {
				return nil
			}
			if len(rec.Data) == 0 {
				w.log.Debug("writer.sentinel")
				return nil
			}

			if _, err := w.f.WriteAt(rec.Data, rec.Offset); err != nil {
				w.log.Error(
					"writer.failed",
					slog.Int64("offset", rec.Offset),
					slog.Int("len", len(rec.Data)),
					slog.String("err", err.Error()),
				)
				return fmt.Errorf("storage: write at %d: %w", rec.Offset, err)
			}

			w.log.Debug(
				"writer.put",
				slog.Int64("offset", rec.Offset),
				slog.Int("len", len(rec.Data)),
			)
		}
	}
}

// drain writes the records already buffered in queue without blocking for
// new ones, then reports the cancellation.
func (w *Writer) drain(ctx context.Context, queue <-chan Record) error {
	for {
		select {
		case rec, open := <-queue:
			if !open || len(rec.Data) == 0 {
				return ctx.Err()
			}
			if _, err := w.f.WriteAt(rec.Data, rec.Offset); err != nil {
				return fmt.Errorf("storage: write at %d: %w", rec.Offset, err)
			}
		default:
			return ctx.Err()
		}
	}
}

// Close syncs and closes the output file.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("storage: sync: %w", err)
	}

	return w.f.Close()
}
