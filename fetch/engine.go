package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fetchkit/fetchkit/transport"
)

const (
	// retryBudget is the number of transient failures one session
	// absorbs before giving up. A clean exchange restores it.
	retryBudget = 3
	// retryBackoff is the fixed wait between attempts at the same offset.
	retryBackoff = 250 * time.Millisecond
)

// session is the ephemeral state of one transfer attempt sequence:
// created per fetch, destroyed on terminal success or failure.
type session struct {
	id        string
	written   int64 // bytes believed durable in the sink
	total     int64 // expected total, -1 until learned
	probeSize int64 // size the probe reported, -1 when unknown
	budget    int
}

// expected is the loop bound: the total learned from a transfer
// response, -1 until the first one arrives. The probe's advertisement
// is not trusted here: servers routinely omit or zero sizes on HEAD,
// so at least one exchange always runs.
func (s *session) expected() int64 {
	return s.total
}

// Fetch materializes the content behind address and streams it back.
// The stream's backing scratch storage is deleted once the stream is
// exhausted or closed.
func (f *Fetcher) Fetch(ctx context.Context, address string, header http.Header, optFns ...DownloadOption) (io.ReadCloser, error) {
	res, err := f.Download(ctx, address, header, optFns...)
	if err != nil {
		return nil, err
	}

	fp, err := os.Open(res.Path)
	if err != nil {
		os.Remove(res.Path)
		return nil, fmt.Errorf("opening fetched content: %w", err)
	}

	return &fileSource{f: fp, path: res.Path}, nil
}

// Download materializes the content behind address into a local file
// the caller owns. See [Result].
func (f *Fetcher) Download(ctx context.Context, address string, header http.Header, optFns ...DownloadOption) (*Result, error) {
	var opts downloadOpts
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying download option: %w", err)
		}
	}

	ctx, span := f.tracer.Start(ctx, "fetchkit.download",
		trace.WithAttributes(attribute.String("url.full", address)))
	defer span.End()

	probe, err := f.Probe(ctx, address, header)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	target := probe.FinalURL

	useRange := probe.Status == http.StatusOK &&
		probe.SupportsRange &&
		probe.Size > 0 &&
		!f.cfg.WholeFile &&
		!f.hostRejectsRange(target)

	for {
		res, err := f.transfer(ctx, target, header, probe, useRange, &opts)
		if err == nil {
			span.SetAttributes(attribute.Int64("content.size", res.Size))
			return res, nil
		}
		if errors.Is(err, errRestartWholeFile) && useRange {
			f.logger.Warn("server rejected range transfer, restarting whole-file", "url", target)
			useRange = false
			continue
		}
		span.RecordError(err)
		return nil, err
	}
}

// transfer runs one transfer session: a fresh scratch sink plus as many
// sequential exchanges as it takes to cover the expected total. On any
// terminal error the sink is removed before the error propagates.
func (f *Fetcher) transfer(ctx context.Context, target string, header http.Header, probe *Probe, useRange bool, opts *downloadOpts) (_ *Result, err error) {
	snk, err := newSink(f.cfg.TempDir, opts.checksum)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			snk.cleanup()
		}
	}()

	s := &session{
		id:        uuid.NewString(),
		total:     -1,
		probeSize: probe.Size,
		budget:    retryBudget,
	}

	f.logger.Debug("transfer session opened",
		"session", s.id, "url", target, "ranged", useRange, "advertised", s.probeSize)

	for {
		// Trust the bytes actually on disk over our own count: a retry
		// then resumes after partial writes without duplication.
		if disk, serr := snk.size(); serr == nil && disk > s.written {
			s.written = disk
		}
		if t := s.expected(); t >= 0 && s.written >= t {
			break
		}

		reqHeader := cloneHeader(header)
		if useRange {
			reqHeader.Set("Range", "bytes="+strconv.FormatInt(s.written, 10)+"-")
		} else if s.written > 0 {
			// Whole-file attempts always restart from zero; a retried
			// 200 must never append after a stale prefix.
			if rerr := snk.reset(); rerr != nil {
				return nil, fmt.Errorf("resetting scratch sink: %w", rerr)
			}
			s.written = 0
		}

		resp, xerr := f.ch.Exchange(ctx, http.MethodGet, target, reqHeader)
		if xerr != nil {
			if rerr := f.noteFailure(ctx, s, xerr); rerr != nil {
				return nil, rerr
			}
			continue
		}

		herr := f.consume(s, snk, resp, useRange, target)
		if herr != nil {
			var te *transientError
			if errors.As(herr, &te) {
				if rerr := f.noteFailure(ctx, s, te.err); rerr != nil {
					return nil, rerr
				}
				continue
			}
			return nil, herr
		}
	}

	if s.total >= 0 && s.written != s.total {
		return nil, &Error{
			Err:    ErrContentLengthMismatch,
			Detail: fmt.Sprintf("expected %d bytes, got %d", s.total, s.written),
		}
	}

	if err := snk.finalize(); err != nil {
		return nil, err
	}

	f.logger.Debug("transfer session complete", "session", s.id, "url", target, "bytes", s.written)

	return &Result{
		Path:     snk.path,
		Size:     s.written,
		FinalURL: target,
		Header:   probe.Header,
	}, nil
}

// consume applies one response to the session per the range protocol.
// Transient failures come back wrapped in *transientError; anything
// else is terminal.
func (f *Fetcher) consume(s *session, snk *sink, resp *transport.Response, useRange bool, target string) error {
	defer resp.Close()

	switch resp.Status {
	case http.StatusPartialContent:
		return f.consumePartial(s, snk, resp, useRange, target)

	case http.StatusOK:
		if useRange && s.written > 0 {
			// The server ignored our Range header mid-transfer;
			// appending its body would duplicate the prefix.
			return errRestartWholeFile
		}
		n, cerr := f.appendBody(s, snk, resp.Body)
		s.written += n
		if cerr != nil {
			return &transientError{err: cerr}
		}
		if resp.ContentLength >= 0 {
			s.total = resp.ContentLength
		} else {
			s.total = s.written
		}
		s.budget = retryBudget
		return nil

	case http.StatusRequestedRangeNotSatisfiable:
		f.markNoRange(target)
		if !useRange {
			return unexpectedStatus(resp)
		}
		return errRestartWholeFile

	default:
		return unexpectedStatus(resp)
	}
}

// consumePartial handles a 206: Content-Range bookkeeping, overlap
// trimming, gap detection, then the append itself.
func (f *Fetcher) consumePartial(s *session, snk *sink, resp *transport.Response, useRange bool, target string) error {
	start, crTotal, ok := parseContentRange(resp.Header.Get("Content-Range"))
	if !ok {
		f.markNoRange(target)
		if !useRange {
			return unexpectedStatus(resp)
		}
		return errRestartWholeFile
	}

	if start > s.written {
		return &Error{
			Err:    ErrIntegrity,
			Detail: fmt.Sprintf("range reply starts at byte %d, resume offset is %d", start, s.written),
		}
	}

	switch {
	case s.total < 0:
		// First observed total seeds the expectation.
		s.total = crTotal
	case crTotal != s.total:
		if s.probeSize >= 0 && crTotal < s.probeSize {
			// The server settled on a smaller derived asset; tighten.
			f.logger.Debug("expected total tightened",
				"session", s.id, "was", s.total, "now", crTotal)
			s.total = crTotal
		} else {
			return &Error{
				Err:    ErrIntegrity,
				Detail: fmt.Sprintf("total changed from %d to %d", s.total, crTotal),
			}
		}
	}

	// An earlier-than-requested start is mere overlap: drop it before
	// appending. (A later start was the gap case above.)
	if skip := s.written - start; skip > 0 {
		if _, derr := io.CopyN(io.Discard, resp.Body, skip); derr != nil {
			return &transientError{err: derr}
		}
	}

	n, cerr := f.appendBody(s, snk, resp.Body)
	s.written += n
	if cerr != nil {
		return &transientError{err: cerr}
	}
	if n == 0 && s.written < s.total {
		// A clean reply that made no progress would loop forever.
		return &transientError{err: fmt.Errorf("empty range reply at offset %d", s.written)}
	}
	s.budget = retryBudget
	return nil
}

// appendBody copies a response body into the sink, optionally feeding
// the progress logger.
func (f *Fetcher) appendBody(s *session, snk *sink, body io.Reader) (int64, error) {
	if f.progress {
		pw := &progressWriter{
			w:           io.Discard,
			logger:      f.logger.With("session", s.id),
			transferred: s.written,
			total:       s.expected(),
			startTime:   time.Now(),
		}
		body = io.TeeReader(body, pw)
	}
	return snk.append(body)
}

// noteFailure spends retry budget on a transient cause. It returns nil
// after the backoff when another attempt is allowed.
func (f *Fetcher) noteFailure(ctx context.Context, s *session, cause error) error {
	if ctx.Err() != nil {
		// The caller cancelled; its reason wins over the transient cause.
		return context.Cause(ctx)
	}

	s.budget--
	if s.budget <= 0 {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, cause)
	}

	f.logger.Debug("transient transfer failure, retrying",
		"session", s.id, "remaining", s.budget, "error", cause)

	t := time.NewTimer(retryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// unexpectedStatus builds the terminal error for a status the engine
// cannot recover from, capturing a bounded amount of body for context.
func unexpectedStatus(resp *transport.Response) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		b = []byte("unable to read body")
	}
	return &UnexpectedStatusError{
		StatusCode: resp.Status,
		Body:       string(b),
		Err:        ErrUnexpectedStatusCode,
	}
}

// parseContentRange parses `bytes <start>-<end>/<total>`. A missing or
// wildcard total counts as unparsable: the engine cannot bound the
// transfer without it.
func parseContentRange(v string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}
	span, totalStr, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	total, err = strconv.ParseInt(totalStr, 10, 64)
	if err != nil || total <= end {
		return 0, 0, false
	}

	return start, total, true
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
