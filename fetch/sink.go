package fetch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// sink is the scratch byte sink of one transfer session: append-only
// local storage, exclusively owned, deleted after a successful hand-off
// or on failure.
type sink struct {
	file *os.File
	path string
	sum  *checksumVerifier
}

func newSink(dir string, sum *checksumVerifier) (*sink, error) {
	path := filepath.Join(dir, "fetch-"+uuid.NewString()+".part")

	// O_EXCL: the uuid name must be ours alone.
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating scratch file: %w", err)
	}

	return &sink{file: file, path: path, sum: sum}, nil
}

// size reports the bytes actually on disk. The engine trusts this over
// its in-memory count when choosing a resume offset.
func (s *sink) size() (int64, error) {
	fi, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// append copies r to the end of the sink, returning the bytes written
// even when the copy fails partway.
func (s *sink) append(r io.Reader) (int64, error) {
	var w io.Writer = s.file
	if s.sum != nil {
		w = io.MultiWriter(s.file, s.sum)
	}
	return io.Copy(w, r)
}

// reset discards all accumulated bytes.
func (s *sink) reset() error {
	if s.sum != nil {
		s.sum.reset()
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	_, err := s.file.Seek(0, io.SeekStart)
	return err
}

// finalize verifies, syncs and closes the sink, leaving the file on
// disk for the caller to hand off.
func (s *sink) finalize() error {
	if err := s.sum.verify(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing scratch file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing scratch file: %w", err)
	}
	return nil
}

// cleanup closes and removes the sink. Used on every failure path so no
// scratch file is ever leaked.
func (s *sink) cleanup() {
	s.file.Close()
	os.Remove(s.path)
}
