// Package router implements the Message Router component.
//
// The Message Router:
//   - Decodes text frames into tagged Messages ({"type": ..., "data": ...})
//   - Drops frames whose type is missing or not a string
//   - Hands every decoded Message to exactly one channel handler
//   - Recovers handler panics so transport code never sees them
//   - Tracks per-channel routing statistics
package router
