// Package server provides the HTTP transport in front of the session registry.
//
// The server speaks the MCP streamable HTTP transport and adds resumable
// delivery on top of it. Every stream carries SSE events whose ids are event
// log ids, so a client that loses its connection reconnects with the
// Last-Event-ID header and receives exactly the events it missed.
//
// # Endpoints
//
//   - GET /mcp: open a session's broadcast stream, creating the session when
//     no Mcp-Session-Id is given, or resume any channel with Last-Event-ID
//   - POST /mcp: send a JSON-RPC message; requests stream their notifications
//     and response on a dedicated request channel
//   - DELETE /mcp: terminate the session
//   - GET /ws: the same handshake over a WebSocket
//   - GET /session, GET|DELETE /session/{id}: inspect and close sessions
//   - POST /session/{id}/notify: inject an event from outside the tool host
//   - GET /session/{id}/channel/{channel}/events: read retained events
//   - GET /global/event: session lifecycle events
//   - GET /healthz, GET /metrics
//
// # Errors
//
// Failures are JSON bodies of the form {"error":{"code":...,"message":...}}.
// A resume position that is no longer retained answers 410 REPLAY_GAP; the
// session is left untouched and the client may resume without a position.
// A live channel refuses a second position-less stream with 409
// CHANNEL_ATTACH_CONFLICT, while a stream that names a position replaces the
// live one, which then receives a final "close" event.
package server
