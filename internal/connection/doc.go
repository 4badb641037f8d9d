// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns named channels, each backed by at most one WebSocket transport
//   - Rebuilds the endpoint (and its token) on every connect and reconnect
//   - Retries abnormal closures with exponential backoff up to a ceiling
//   - Hands decoded frames to the Message Router
//   - Runs every handler callback on one event loop, in arrival order
package connection
