package api

import (
    "encoding/json"
    "errors"
    "net/http"
    "strconv"

    "github.com/go-chi/chi/v5"
    "github.com/rs/zerolog/log"

    "github.com/robot-link/robot-link-server/internal/models"
    "github.com/robot-link/robot-link-server/internal/server"
    "github.com/robot-link/robot-link-server/internal/storage"
    "github.com/robot-link/robot-link-server/internal/validation"
    "github.com/robot-link/robot-link-server/pkg/protocol"
)

const maxPushBody = 1 << 20

// pushBody is the REST form of a push. The frame type comes from the route.
type pushBody struct {
    Data      json.RawMessage `json:"data"`
    MessageID string          `json:"messageId,omitempty"`
}

// HandleListOnline lists the robots with a live session
func (s *RESTServer) HandleListOnline(w http.ResponseWriter, r *http.Request) {
    online := s.sessions.ListOnline()
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "robots": online,
        "total":  len(online),
    })
}

// HandleGetRobot returns the live session of one robot
func (s *RESTServer) HandleGetRobot(w http.ResponseWriter, r *http.Request) {
    robotID := chi.URLParam(r, "robot_id")
    info, ok := s.sessions.Get(robotID)
    if !ok {
        s.respondError(w, http.StatusNotFound, "robot not online")
        return
    }
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "online":  true,
        "session": info,
        "state":   info.State.String(),
    })
}

// HandlePushCommand sends a COMMAND_PUSH
func (s *RESTServer) HandlePushCommand(w http.ResponseWriter, r *http.Request) {
    s.handlePush(w, r, protocol.TypeCommandPush)
}

// HandlePushConfig sends a CONFIG_PUSH
func (s *RESTServer) HandlePushConfig(w http.ResponseWriter, r *http.Request) {
    s.handlePush(w, r, protocol.TypeConfigPush)
}

func (s *RESTServer) handlePush(w http.ResponseWriter, r *http.Request, t protocol.Type) {
    robotID := chi.URLParam(r, "robot_id")

    var body pushBody
    dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody))
    dec.DisallowUnknownFields()
    if err := dec.Decode(&body); err != nil {
        s.respondError(w, http.StatusBadRequest, "invalid request body")
        return
    }

    res, err := s.dispatcher.Push(robotID, server.PushRequest{
        Type:      t,
        Data:      body.Data,
        MessageID: body.MessageID,
    })
    if err != nil {
        if errors.Is(err, server.ErrInvalidPush) {
            s.respondError(w, http.StatusBadRequest, err.Error())
            return
        }
        log.Error().Err(err).Str("robot_id", robotID).Msg("Push failed")
        s.respondError(w, http.StatusInternalServerError, "push failed")
        return
    }

    status := http.StatusOK
    if !res.Delivered {
        status = http.StatusNotFound
    }
    s.respondJSON(w, status, res)
}

// HandleListSessions lists the session history of a robot
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
    if s.store == nil {
        s.respondError(w, http.StatusServiceUnavailable, "history storage disabled")
        return
    }
    robotID := chi.URLParam(r, "robot_id")
    if !validation.ValidRobotID(robotID) {
        s.respondError(w, http.StatusBadRequest, "invalid robot id")
        return
    }
    limit, offset := pagination(r)

    records, total, err := s.store.ListSessionRecords(r.Context(), robotID, limit, offset)
    if err != nil {
        log.Error().Err(err).Str("robot_id", robotID).Msg("Failed to list sessions")
        s.respondError(w, http.StatusInternalServerError, "failed to list sessions")
        return
    }
    if records == nil {
        records = []*models.SessionRecord{}
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "sessions": records,
        "total":    total,
    })
}

// HandleListEvents lists the event log of a robot
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
    if s.store == nil {
        s.respondError(w, http.StatusServiceUnavailable, "history storage disabled")
        return
    }
    robotID := chi.URLParam(r, "robot_id")
    if !validation.ValidRobotID(robotID) {
        s.respondError(w, http.StatusBadRequest, "invalid robot id")
        return
    }
    limit, offset := pagination(r)

    filters := storage.EventLogFilters{RobotID: &robotID}
    if v := r.URL.Query().Get("type"); v != "" {
        t := models.EventType(v)
        filters.Type = &t
    }
    if v := r.URL.Query().Get("level"); v != "" {
        l := models.EventLevel(v)
        filters.Level = &l
    }

    events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
    if err != nil {
        log.Error().Err(err).Str("robot_id", robotID).Msg("Failed to list events")
        s.respondError(w, http.StatusInternalServerError, "failed to list events")
        return
    }
    if events == nil {
        events = []*models.EventLog{}
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "events": events,
        "total":  total,
    })
}

func pagination(r *http.Request) (limit, offset int) {
    limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
    if limit <= 0 {
        limit = 20
    }
    if limit > 200 {
        limit = 200
    }
    offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
    if offset < 0 {
        offset = 0
    }
    return limit, offset
}
