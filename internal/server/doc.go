// Package server hosts the router behind HTTP: the WebSocket endpoint, the
// connection hub that tracks connected clients, and the composition root
// that wires the dispatcher to the instance and chat components.
//
// Files are split by concern: configuration, origin policy, CORS, rate
// limiting, the hub, client pumps, routing and HTTP handlers.
package server
