// Package transport is the WebSocket hub client behind connection.Conn.
//
// Frames are JSON objects tagged by "type":
//   - welcome:    first server frame, carries the connection ID
//   - invoke:     client method call with a numeric id
//   - completion: server acknowledgement for an invoke id, optional error
//   - event:      server push with a target name and payload
//
// After an unexpected drop the client redials on a fixed delay schedule and
// reports reconnecting, reconnected or closed to its listener. Close is
// intentional and reports nothing.
package transport
