// Package websocket provides real-time event streaming via WebSocket.
//
// Clients can connect to /api/v1/agents/:id/ws to receive workflow
// events published by that agent's loops.
package websocket
