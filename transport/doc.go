// Package transport implements a single bounded HTTP request/response
// exchange on top of [net/http].
//
// A [Channel] is a reusable factory for exchanges. Each call to
// [Channel.Exchange] owns exactly one cancellation token and two
// independent timers:
//
//   - the request timer bounds the time until the first byte of a
//     response arrives (connect, TLS, headers) and is disarmed the
//     instant a response begins;
//   - the response timer bounds inactivity once the body starts and is
//     re-armed on every read until the body is fully drained.
//
// Whichever of {timeout, transport error, caller cancellation} happens
// first is recorded as the exchange's cancellation reason; secondary
// failures produced by the teardown itself are suppressed in favor of
// that first reason. Errors observed before a response exists reject
// the Exchange call synchronously; errors observed afterwards surface
// only through reads of the response body.
//
// Channels never follow redirects: redirect handling belongs to the
// probing layer, which needs to resolve Location headers itself.
package transport
