// Package cache stores raw upstream responses for idempotent requests.
//
// Entries are spread over a fixed number of independently locked shards so
// unrelated keys never contend on one lock, and population goes through a
// singleflight group so at most one upstream fetch per key is outstanding.
package cache
