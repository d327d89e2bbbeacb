package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxRedirects is the probe's hop budget; the next redirect past it
// fails with ErrRedirectLoop.
const maxRedirects = 7

// Probe is the outcome of a header-only request after redirects.
type Probe struct {
	// FinalURL is the address after following redirects.
	FinalURL string
	// Status is the terminal response status. Non-2xx is not an error;
	// the engine degrades to a whole-file transfer of unknown size.
	Status int
	// Size is the advertised content length, -1 when missing or invalid.
	Size int64
	// SupportsRange is true iff the server advertised `Accept-Ranges: bytes`.
	SupportsRange bool
	// Header holds the terminal response headers.
	Header http.Header
}

// Probe issues a HEAD request to address, following up to maxRedirects
// redirects and resolving relative Location headers against the current
// address.
func (f *Fetcher) Probe(ctx context.Context, address string, header http.Header) (*Probe, error) {
	ctx, span := f.tracer.Start(ctx, "fetchkit.probe",
		trace.WithAttributes(attribute.String("url.full", address)))
	defer span.End()

	current := address
	for hops := 0; ; hops++ {
		resp, err := f.ch.Exchange(ctx, http.MethodHead, current, header)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		resp.Close() // HEAD carries no body

		if !isRedirect(resp.Status) {
			p := &Probe{
				FinalURL:      current,
				Status:        resp.Status,
				Size:          resp.ContentLength,
				SupportsRange: resp.Header.Get("Accept-Ranges") == "bytes",
				Header:        resp.Header,
			}
			if p.Size < 0 {
				p.Size = -1
			}
			span.SetAttributes(
				attribute.Int("http.response.status_code", p.Status),
				attribute.Int64("content.size", p.Size),
			)
			return p, nil
		}

		if hops >= maxRedirects {
			err := fmt.Errorf("%w: more than %d hops from %s", ErrRedirectLoop, maxRedirects, address)
			span.RecordError(err)
			return nil, err
		}

		next, err := resolveLocation(current, resp.Header.Get("Location"), resp.Status)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		f.logger.Debug("following redirect", "status", resp.Status, "from", current, "to", next)
		current = next
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolveLocation resolves a Location header, absolute or relative,
// against the address that produced it.
func resolveLocation(current, location string, status int) (string, error) {
	if location == "" {
		return "", fmt.Errorf("%w: status %d without a Location header", ErrBadRedirect, status)
	}

	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadRedirect, err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: bad Location %q: %w", ErrBadRedirect, location, err)
	}

	return base.ResolveReference(ref).String(), nil
}
