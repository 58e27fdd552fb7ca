// Package metrics exports chat session statistics to Prometheus.
//
// Key metrics:
//   - Connection state, consecutive failures and exhaustion
//   - Router throughput, protocol errors and queue depth
//   - Presence pings sent, skipped and failed
//   - Typing signals sent and suppressed
//   - Streamed message counts by state
//   - Database connection pool stats
package metrics
