package fetch_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fetchkit/fetchkit/fetch"
)

func newFetcher(t *testing.T, cfg fetch.Config, opts ...fetch.Option) *fetch.Fetcher {
	t.Helper()

	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	opts = append(opts, fetch.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	f, err := fetch.New(cfg, opts...)
	if err != nil {
		t.Fatalf("building fetcher: %v", err)
	}
	return f
}

// testContent builds deterministic, position-dependent bytes so a
// duplicated or missing region never compares equal by accident.
func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>9)
	}
	return b
}

func drainFetch(t *testing.T, f *fetch.Fetcher, address string) []byte {
	t.Helper()

	rc, err := f.Fetch(testContext(t), address, nil)
	if err != nil {
		t.Fatalf("fetching %s: %v", address, err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("draining fetched content: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("closing fetched content: %v", err)
	}
	return got
}

func assertNoScratch(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty, %d file(s) left behind", len(entries))
	}
}

// rangeServer serves its data with HEAD size advertisement and
// bytes-range GET support, aborting the connection mid-body for a
// configurable number of GETs to simulate an unreliable origin.
type rangeServer struct {
	data []byte

	mu        sync.Mutex
	drops     int // remaining GETs to abort mid-body
	dropAfter int // bytes delivered before aborting
	gets      int
	rangeGets int
}

func (s *rangeServer) counts() (gets, rangeGets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.rangeGets
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		return
	}

	s.mu.Lock()
	s.gets++
	drop := s.drops > 0
	if drop {
		s.drops--
	}
	isRange := r.Header.Get("Range") != ""
	if isRange {
		s.rangeGets++
	}
	s.mu.Unlock()

	start := 0
	if isRange {
		start = parseRangeStart(r.Header.Get("Range"))
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", start, len(s.data)-1, len(s.data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)-start))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
	}

	body := s.data[start:]
	if drop && s.dropAfter < len(body) {
		w.Write(body[:s.dropAfter])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	w.Write(body)
}

func parseRangeStart(h string) int {
	v := strings.TrimSuffix(strings.TrimPrefix(h, "bytes="), "-")
	n, _ := strconv.Atoi(v)
	return n
}

func TestFetch_WholeFile(t *testing.T) {
	want := testContent(64 << 10)
	var sawRange atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange.Store(true)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(want)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(want)
	}))
	defer ts.Close()

	dir := t.TempDir()
	f := newFetcher(t, fetch.Config{TempDir: dir})

	got := drainFetch(t, f, ts.URL)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if sawRange.Load() {
		t.Error("sent a Range request to a server that never advertised range support")
	}
	assertNoScratch(t, dir)
}

func TestFetch_ResumesAfterDrops(t *testing.T) {
	want := testContent(256 << 10)
	srv := &rangeServer{data: want, drops: 2, dropAfter: 64 << 10}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dir := t.TempDir()
	f := newFetcher(t, fetch.Config{TempDir: dir})

	got := drainFetch(t, f, ts.URL)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch after resumed transfer (-want +got):\n%s", diff)
	}

	_, rangeGets := srv.counts()
	if rangeGets < 3 {
		t.Errorf("got %d range requests, want at least 3 (initial plus two resumes)", rangeGets)
	}
	assertNoScratch(t, dir)
}

func TestFetch_LargeRepeatedContent(t *testing.T) {
	want := bytes.Repeat([]byte{0x41}, 1048699)
	srv := &rangeServer{data: want, drops: 1, dropAfter: 512 << 10}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

	got := drainFetch(t, f, ts.URL)
	if len(got) != len(want) {
		t.Fatalf("got %d bytes, want %d", len(got), len(want))
	}
	if !bytes.Equal(got, want) {
		t.Error("resumed content does not match the origin byte for byte")
	}
}

func TestFetch_416FallsBackToWholeFile(t *testing.T) {
	want := testContent(32 << 10)
	var mu sync.Mutex
	var rangeGets, plainGets int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(want)))
			return
		}
		if r.Header.Get("Range") != "" {
			mu.Lock()
			rangeGets++
			mu.Unlock()
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		mu.Lock()
		plainGets++
		mu.Unlock()
		w.Header().Set("Content-Length", strconv.Itoa(len(want)))
		w.Write(want)
	}))
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

	got := drainFetch(t, f, ts.URL)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fallback content mismatch (-want +got):\n%s", diff)
	}

	// The host is now known to reject ranges: a second fetch must go
	// straight to a whole-file transfer.
	got = drainFetch(t, f, ts.URL)
	if !bytes.Equal(got, want) {
		t.Error("second fetch content mismatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if rangeGets != 1 {
		t.Errorf("got %d range requests, want exactly 1 (the 416 discovery)", rangeGets)
	}
	if plainGets != 2 {
		t.Errorf("got %d whole-file requests, want 2", plainGets)
	}
}

func TestFetch_OverlappingRangeReplyTrimmed(t *testing.T) {
	want := testContent(96 << 10)
	const overlap = 1024

	var mu sync.Mutex
	var gets int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(want)))
			return
		}

		mu.Lock()
		gets++
		n := gets
		mu.Unlock()

		start := parseRangeStart(r.Header.Get("Range"))
		if n == 1 {
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", start, len(want)-1, len(want)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(want[start : start+32<<10])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}

		// Resume replies start a little before the requested offset, the
		// way origins that round down to a block boundary do.
		early := start - overlap
		if early < 0 {
			early = 0
		}
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", early, len(want)-1, len(want)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(want[early:])
	}))
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

	// The duplicated prefix must be discarded, not appended twice.
	got := drainFetch(t, f, ts.URL)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch after overlapping resume (-want +got):\n%s", diff)
	}
}

func TestFetch_MissingContentRangeFallsBack(t *testing.T) {
	want := testContent(24 << 10)
	var mu sync.Mutex
	var rangeGets, plainGets int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(want)))
			return
		}
		if r.Header.Get("Range") != "" {
			mu.Lock()
			rangeGets++
			mu.Unlock()
			// A 206 without Content-Range gives the bytes no anchor.
			w.WriteHeader(http.StatusPartialContent)
			w.Write(want[:512])
			return
		}
		mu.Lock()
		plainGets++
		mu.Unlock()
		w.Header().Set("Content-Length", strconv.Itoa(len(want)))
		w.Write(want)
	}))
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

	got := drainFetch(t, f, ts.URL)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fallback content mismatch (-want +got):\n%s", diff)
	}

	// The host is negative-cached: a second fetch never tries a range.
	got = drainFetch(t, f, ts.URL)
	if !bytes.Equal(got, want) {
		t.Error("second fetch content mismatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if rangeGets != 1 {
		t.Errorf("got %d range requests, want exactly 1 (the unanchored 206)", rangeGets)
	}
	if plainGets != 2 {
		t.Errorf("got %d whole-file requests, want 2", plainGets)
	}
}

func TestFetch_FullResponseMidTransferRestarts(t *testing.T) {
	want := testContent(48 << 10)
	var mu sync.Mutex
	var gets int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(want)))
			return
		}

		mu.Lock()
		gets++
		n := gets
		mu.Unlock()

		if n == 1 {
			// Honor the first range request but cut the body short.
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes 0-%d/%d", len(want)-1, len(want)))
			w.Header().Set("Content-Length", strconv.Itoa(len(want)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(want[:16<<10])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}

		// From here on the server has stopped honoring ranges and
		// replies with the full representation.
		w.Header().Set("Content-Length", strconv.Itoa(len(want)))
		w.Write(want)
	}))
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

	got := drainFetch(t, f, ts.URL)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch after whole-file restart (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	// Dropped range reply, 200-to-a-range-request, whole-file restart.
	if gets != 3 {
		t.Errorf("got %d GET requests, want 3", gets)
	}
}

func TestFetch_RangeReplyPastOffsetIsFatal(t *testing.T) {
	data := testContent(8 << 10)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		// Claim a start past the requested offset: accepting it would
		// leave a hole in the assembled content.
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes 100-%d/%d", len(data)-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[100:])
	}))
	defer ts.Close()

	dir := t.TempDir()
	f := newFetcher(t, fetch.Config{TempDir: dir})

	_, err := f.Fetch(testContext(t), ts.URL, nil)
	if !errors.Is(err, fetch.ErrIntegrity) {
		t.Fatalf("got error %v, want ErrIntegrity", err)
	}
	assertNoScratch(t, dir)
}

func TestFetch_TotalGrowthIsFatal(t *testing.T) {
	data := testContent(16 << 10)
	var mu sync.Mutex
	var gets int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}

		mu.Lock()
		gets++
		n := gets
		mu.Unlock()

		start := parseRangeStart(r.Header.Get("Range"))
		total := len(data)
		if n > 1 {
			total += 50 // the origin's story changed mid-transfer
		}
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
		w.WriteHeader(http.StatusPartialContent)
		if n == 1 {
			w.Write(data[start : start+4<<10])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		w.Write(data[start:])
	}))
	defer ts.Close()

	dir := t.TempDir()
	f := newFetcher(t, fetch.Config{TempDir: dir})

	_, err := f.Fetch(testContext(t), ts.URL, nil)
	if !errors.Is(err, fetch.ErrIntegrity) {
		t.Fatalf("got error %v, want ErrIntegrity", err)
	}
	assertNoScratch(t, dir)
}

func TestFetch_SmallerTotalTightens(t *testing.T) {
	// The probe advertises the size of the stored representation, but
	// the transfer settles on a smaller derived one.
	want := testContent(1400)
	advertised := 2000

	var mu sync.Mutex
	var gets int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(advertised))
			return
		}

		mu.Lock()
		gets++
		n := gets
		mu.Unlock()

		start := parseRangeStart(r.Header.Get("Range"))
		if n == 1 {
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", start, advertised-1, advertised))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(want[start : start+700])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}

		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", start, len(want)-1, len(want)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(want[start:])
	}))
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

	got := drainFetch(t, f, ts.URL)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tightened content mismatch (-want +got):\n%s", diff)
	}
}

func TestFetch_RetriesExhausted(t *testing.T) {
	srv := &rangeServer{data: testContent(64 << 10), drops: 10, dropAfter: 16}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dir := t.TempDir()
	f := newFetcher(t, fetch.Config{TempDir: dir})

	_, err := f.Fetch(testContext(t), ts.URL, nil)
	if !errors.Is(err, fetch.ErrRetriesExhausted) {
		t.Fatalf("got error %v, want ErrRetriesExhausted", err)
	}
	assertNoScratch(t, dir)
}

func TestFetch_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "10")
			return
		}
		http.Error(w, "access denied", http.StatusForbidden)
	}))
	defer ts.Close()

	dir := t.TempDir()
	f := newFetcher(t, fetch.Config{TempDir: dir})

	_, err := f.Fetch(testContext(t), ts.URL, nil)
	if !errors.Is(err, fetch.ErrUnexpectedStatusCode) {
		t.Fatalf("got error %v, want ErrUnexpectedStatusCode", err)
	}

	var use *fetch.UnexpectedStatusError
	if !errors.As(err, &use) {
		t.Fatalf("got error %v, want *UnexpectedStatusError", err)
	}
	if use.StatusCode != http.StatusForbidden {
		t.Errorf("got status %d, want %d", use.StatusCode, http.StatusForbidden)
	}
	if !strings.Contains(use.Body, "access denied") {
		t.Errorf("got body %q, want the server's message captured", use.Body)
	}
	assertNoScratch(t, dir)
}

func TestFetch_WholeFileConfigSkipsRanges(t *testing.T) {
	want := testContent(16 << 10)
	srv := &rangeServer{data: want}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir(), WholeFile: true})

	got := drainFetch(t, f, ts.URL)
	if !bytes.Equal(got, want) {
		t.Error("content mismatch")
	}

	_, rangeGets := srv.counts()
	if rangeGets != 0 {
		t.Errorf("got %d range requests, want 0 with WholeFile set", rangeGets)
	}
}

func TestDownload_Checksum(t *testing.T) {
	want := testContent(8 << 10)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(want)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(want)
	}))
	defer ts.Close()

	sum := sha256.Sum256(want)

	t.Run("match", func(t *testing.T) {
		f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

		res, err := f.Download(testContext(t), ts.URL, nil,
			fetch.WithChecksum(sha256.New(), hex.EncodeToString(sum[:])))
		if err != nil {
			t.Fatalf("downloading: %v", err)
		}
		defer res.Discard()

		got, err := os.ReadFile(res.Path)
		if err != nil {
			t.Fatalf("reading result: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Error("content mismatch")
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		dir := t.TempDir()
		f := newFetcher(t, fetch.Config{TempDir: dir})

		_, err := f.Download(testContext(t), ts.URL, nil,
			fetch.WithChecksum(sha256.New(), "deadbeef"))
		if !errors.Is(err, fetch.ErrChecksumMismatch) {
			t.Fatalf("got error %v, want ErrChecksumMismatch", err)
		}
		assertNoScratch(t, dir)
	})
}

func TestFetch_TransfersFromRedirectTarget(t *testing.T) {
	want := testContent(4 << 10)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Location", "/real")
			w.WriteHeader(http.StatusFound)
		case "/real":
			w.Header().Set("Content-Length", strconv.Itoa(len(want)))
			if r.Method == http.MethodHead {
				return
			}
			w.Write(want)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	f := newFetcher(t, fetch.Config{TempDir: t.TempDir()})

	got := drainFetch(t, f, ts.URL+"/")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestFetch_CloseDeletesScratch(t *testing.T) {
	want := testContent(32 << 10)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(want)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(want)
	}))
	defer ts.Close()

	dir := t.TempDir()
	f := newFetcher(t, fetch.Config{TempDir: dir})

	rc, err := f.Fetch(testContext(t), ts.URL, nil)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if _, err := io.ReadFull(rc, make([]byte, 100)); err != nil {
		t.Fatalf("reading prefix: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("closing early: %v", err)
	}
	assertNoScratch(t, dir)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
