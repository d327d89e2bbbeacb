// Package pool deduplicates content handles by source address.
//
// A [Pool] maps addresses to lazily-materialized [Handle]s, bounded by
// a fixed capacity with strict insertion-order FIFO eviction: a lookup
// hit never reorders an entry, and evicting an entry only drops the
// pool's own reference, so callers already holding the handle keep a
// fully working one.
//
// A handle materializes its content at most once, no matter how many
// callers wait on [Handle.Ready] concurrently: the first caller starts
// the fetch, everyone observes the same outcome, and one waiter
// abandoning its wait never aborts the fetch for the rest.
package pool
