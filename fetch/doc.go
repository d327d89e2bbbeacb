// Package fetch turns a remote address into complete local content,
// surviving servers that misbehave around range requests.
//
// A [Fetcher] owns a transport channel, a scratch directory and its own
// negative cache of hosts known to reject ranges;
// independent Fetchers are fully isolated from each other, so tests and
// concurrent pipelines never cross-contaminate.
//
// [Fetcher.Probe] issues a header-only request and follows redirects to
// learn the final address, the advertised size and whether the server
// supports byte ranges. [Fetcher.Download] then materializes the
// content into a scratch file, resuming interrupted transfers with
// `Range: bytes=<offset>-` requests and falling back to a whole-file
// transfer when the server turns out not to honor ranges after all.
// [Fetcher.Fetch] is the streaming variant: its reader deletes the
// backing scratch file once exhausted or closed.
//
// The resume offset is re-measured from the scratch file before every
// attempt rather than trusted from in-memory bookkeeping, so a retry
// after a partial write neither duplicates nor skips bytes.
package fetch
