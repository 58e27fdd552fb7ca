// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single transport connection of a session
//   - Retries the initial handshake a bounded number of times
//   - Tracks consecutive failures and schedules reconnects with linear backoff
//   - Stops retrying after too many failures until ManualRetry is called
//   - Forwards inbound hub events to the event router
//   - Gates every outbound invocation on the Connected state
package connection
