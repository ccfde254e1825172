package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Marketplace session
	mux.HandleFunc("/api/auth/facebook/login", s.app.AuthHandler.LoginHandler)     // GET/POST - credential login
	mux.HandleFunc("/api/auth/facebook/status", s.app.AuthHandler.StatusHandler)   // GET - session present?
	mux.HandleFunc("/api/auth/facebook/cookies", s.app.AuthHandler.CookiesHandler) // POST - cookie upload
	mux.HandleFunc("/api/auth/facebook/session", s.app.AuthHandler.ClearHandler)   // DELETE - clear local cache

	// API routes - Search
	mux.HandleFunc("/api/search", s.app.SearchHandler.SearchHandler)

	// API routes - Saved searches
	mux.HandleFunc("/api/saved", s.handleSavedRoute)                   // GET (list), POST (create)
	mux.HandleFunc("/api/saved/", s.app.SavedSearchHandler.ItemHandler) // GET/DELETE /{id}, PATCH /{id}/notifications

	// API routes - Scheduler
	mux.HandleFunc("/api/sweep", s.app.SchedulerHandler.TriggerSweepHandler)
	mux.HandleFunc("/api/scheduler/jobs", s.app.SchedulerHandler.JobsHandler)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleSavedRoute routes /api/saved requests (list and create)
func (s *Server) handleSavedRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.SavedSearchHandler.ListHandler,
		s.app.SavedSearchHandler.CreateHandler,
	)
}
