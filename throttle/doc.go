// Package throttle provides an [http.RoundTripper] that rate-limits
// outbound exchanges using a token-bucket algorithm from
// [golang.org/x/time/rate].
//
// Wrap an existing transport with [NewRoundTripper]:
//
//	rt, err := throttle.NewRoundTripper(
//		10,  // exchanges per second
//		5,   // burst capacity
//		func() *slog.Logger { return slog.Default() },
//		http.DefaultTransport,
//	)
//
// When the limit is exceeded, outbound exchanges block until a token
// becomes available or the exchange's context is cancelled. Segmented
// fetches issue one request per resumed attempt, so throttling bounds
// the retry pressure a misbehaving server sees from this process.
package throttle
