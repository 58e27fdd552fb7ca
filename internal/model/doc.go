// Package model defines the payloads exchanged with the chat hub and the
// session context shared by the real-time components.
//
// Conventions:
//   - Room and message identifiers are opaque strings (chat codes, message codes)
//   - User IDs are strings; the hub sends them as JSON numbers or strings
//   - Timestamps sent to the hub are int64 milliseconds since Unix epoch
package model
