package fetch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Result is materialized content the caller owns. The backing file
// persists until Discard is called, so any number of sequential byte
// sources can be opened over it.
type Result struct {
	// Path is the local file holding the complete content.
	Path string
	// Size is the content length in bytes.
	Size int64
	// FinalURL is the address the content was actually served from.
	FinalURL string
	// Header holds the probe's terminal response headers.
	Header http.Header
}

// Open returns a fresh sequential byte source over the content.
func (r *Result) Open() (io.ReadCloser, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("opening fetched content: %w", err)
	}
	return f, nil
}

// Discard deletes the backing storage.
func (r *Result) Discard() error {
	return os.Remove(r.Path)
}

// fileSource streams a scratch file and deletes it once exhausted or
// closed.
type fileSource struct {
	f    *os.File
	path string
	done bool
}

func (s *fileSource) Read(p []byte) (int, error) {
	if s.done {
		return 0, io.EOF
	}
	n, err := s.f.Read(p)
	if errors.Is(err, io.EOF) {
		s.release()
	}
	return n, err
}

func (s *fileSource) Close() error {
	if s.done {
		return nil
	}
	return s.release()
}

func (s *fileSource) release() error {
	s.done = true
	err := s.f.Close()
	if rerr := os.Remove(s.path); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
