package server

import "net/http"

// Routes returns a ServeMux with the health check, WebSocket and metrics
// endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Handler returns the full HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	return withCORS(s.Routes())
}
