// Package work runs background jobs and bounded fan-out work.
//
// # Periodic work
//
// Work types are registered once in a Registry and picked up by the
// Processor, one item at a time, in priority order:
//   - sync:connections: 30 minutes - pull new bank transactions for every active connection
//   - sync:rates: 6 hours - fetch the pivot currency's quotes for today
//   - maintenance:stale-sync: 5 minutes - persist idle for abandoned queued/syncing statuses
//   - maintenance:cache-cleanup: 1 hour - drop expired conversion and rate cache entries
//   - maintenance:backup: 24 hours - snapshot ledger.db and upload it to object storage
//
// Subjects let one work type fan out into items: sync:connections uses one
// subject per connection id so that a failing connection is retried on its
// own without holding back the others.
//
// # Fan-out
//
// Pool runs submitted tasks with bounded concurrency and hands back a Future
// per task. Throttle enforces a minimum interval between calls sharing a key
// (one key per bank provider), and RetryPolicy retries failed calls with
// capped exponential backoff.
package work
