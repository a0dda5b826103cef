package api

import (
    "encoding/json"
    "net/http"
    "time"

    "github.com/rs/zerolog/log"
)

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "status":  "healthy",
        "time":    time.Now(),
        "uptime":  time.Since(s.started).Round(time.Second).String(),
        "online":  s.sessions.Len(),
        "storage": s.store != nil,
    })
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "service": s.config.Server.Name,
        "version": s.config.Server.Version,
        "health":  "/api/v1/health",
        "socket":  s.config.API.SocketPath,
    })
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
    response, err := json.Marshal(payload)
    if err != nil {
        log.Error().Err(err).Msg("Failed to marshal response")
        w.WriteHeader(http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
    s.respondJSON(w, status, map[string]string{
        "error": message,
    })
}
