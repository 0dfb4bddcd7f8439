// Package redis opens the shared Redis client used by the task queue, the
// collusion history store, reputation counters and the event sink.
package redis
