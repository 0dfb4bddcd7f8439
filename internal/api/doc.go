// Package api exposes the HTTP surface of the daemon: queued task submission
// and inspection, synchronous runs and quote execution, a websocket stream of
// orchestration events, Prometheus metrics and a health probe.
package api
