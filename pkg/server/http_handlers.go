package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// HealthStatus is the JSON body served at /health
type HealthStatus struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
	Rooms          int    `json:"rooms"`
	Admin          string `json:"admin,omitempty"`
	EventStore     bool   `json:"event_store"`
	StoredEvents   int64  `json:"stored_events,omitempty"`
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:         "healthy",
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		ActiveSessions: s.sessions.CountOnlineUsers(),
		Rooms:          len(s.sessions.Rooms()),
		Admin:          s.sessions.Admin(),
		EventStore:     s.db != nil,
	}

	status := http.StatusOK
	if s.db != nil {
		count, err := s.db.CountEvents("")
		if err != nil {
			errorLog.Printf("Health check: event store unreachable: %v", err)
			health.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		health.StoredEvents = count
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
