package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/robot-link/robot-link-server/internal/auth"
	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/internal/config"
	"github.com/robot-link/robot-link-server/internal/models"
	"github.com/robot-link/robot-link-server/internal/registry"
	"github.com/robot-link/robot-link-server/internal/server"
	"github.com/robot-link/robot-link-server/internal/storage"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	online map[string]registry.SessionInfo
	pushed []protocol.Frame
}

func (f *fakeSessions) ListOnline() []string {
	var out []string
	for id := range f.online {
		out = append(out, id)
	}
	return out
}

func (f *fakeSessions) Get(id string) (registry.SessionInfo, bool) {
	info, ok := f.online[id]
	return info, ok
}

func (f *fakeSessions) Len() int { return len(f.online) }

func (f *fakeSessions) Push(id string, frame protocol.Frame) bool {
	if _, ok := f.online[id]; !ok {
		return false
	}
	f.pushed = append(f.pushed, frame)
	return true
}

// historyStore serves canned history; the embedded nil interface panics on
// anything else.
type historyStore struct {
	storage.Store
	records []*models.SessionRecord
	filters storage.EventLogFilters
}

func (h *historyStore) ListSessionRecords(_ context.Context, robotID string, limit, offset int) ([]*models.SessionRecord, int64, error) {
	var out []*models.SessionRecord
	for _, r := range h.records {
		if r.RobotID == robotID {
			out = append(out, r)
		}
	}
	return out, int64(len(out)), nil
}

func (h *historyStore) ListEventLogs(_ context.Context, f storage.EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	h.filters = f
	return nil, 0, nil
}

func verifier(_ context.Context, token string) (*auth.Principal, error) {
	switch token {
	case "admin-token":
		return &auth.Principal{PrincipalID: 1, Role: "admin"}, nil
	case "robot-token":
		return &auth.Principal{PrincipalID: 2, Role: "robot"}, nil
	}
	return nil, auth.ErrInvalidToken
}

func newTestServer(t *testing.T, store storage.Store) (*httptest.Server, *fakeSessions) {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()

	sessions := &fakeSessions{online: map[string]registry.SessionInfo{
		"r1": {SessionID: "s-1", DeviceID: "r1", PrincipalID: 7, AuthenticatedAt: epoch, State: registry.StateAuthenticated},
	}}
	socket := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := NewRESTServer(cfg, Deps{
		Sessions:   sessions,
		Dispatcher: server.NewDispatcher(sessions, clock.Fake(epoch)),
		Verifier:   auth.VerifierFunc(verifier),
		Socket:     socket,
		Store:      store,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusTeapot {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, out
}

func TestHealthIsPublic(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["online"] != float64(1) || body["storage"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestSocketMounted(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := do(t, http.MethodGet, ts.URL+"/ws/robot", "", "")
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want socket handler", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "nope", http.StatusUnauthorized},
		{"wrong role", "robot-token", http.StatusForbidden},
		{"admin", "admin-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/robots/online", tt.token, "")
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestGetRobot(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/robots/r1", "admin-token", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "AUTHENTICATED" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/robots/r9", "admin-token", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("offline robot status = %d", resp.StatusCode)
	}
}

func TestPushCommand(t *testing.T) {
	ts, sessions := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/robots/r1/commands", "admin-token",
		`{"data":{"action":"move"},"messageId":"m-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%v", resp.StatusCode, body)
	}
	if body["messageId"] != "m-1" || body["delivered"] != true {
		t.Fatalf("body = %v", body)
	}
	if len(sessions.pushed) != 1 || sessions.pushed[0].Type != protocol.TypeCommandPush {
		t.Fatalf("pushed = %+v", sessions.pushed)
	}
}

func TestPushConfigGeneratesMessageID(t *testing.T) {
	ts, sessions := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/robots/r1/config", "admin-token", `{"data":{"speed":2}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	id, _ := body["messageId"].(string)
	if id == "" || sessions.pushed[0].CorrelationID != id || sessions.pushed[0].Type != protocol.TypeConfigPush {
		t.Fatalf("body=%v pushed=%+v", body, sessions.pushed)
	}
}

func TestPushOfflineIs404(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/robots/r2/commands", "admin-token", `{"data":{}}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["delivered"] != false || body["messageId"] == "" {
		t.Fatalf("body = %v", body)
	}
}

func TestPushBadBody(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	for _, body := range []string{`{`, `{"unknown":1}`} {
		resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/robots/r1/commands", "admin-token", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d", body, resp.StatusCode)
		}
	}
}

func TestHistoryEndpoints(t *testing.T) {
	closed := epoch.Add(time.Hour)
	store := &historyStore{records: []*models.SessionRecord{
		{SessionID: "s-0", RobotID: "r1", OpenedAt: epoch, ClosedAt: &closed, CloseReason: protocol.ReasonSuperseded},
		{SessionID: "s-x", RobotID: "r2", OpenedAt: epoch},
	}}
	ts, _ := newTestServer(t, store)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/robots/r1/sessions", "admin-token", "")
	if resp.StatusCode != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/robots/r1/events?level=WARNING", "admin-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if events, ok := body["events"].([]interface{}); !ok || len(events) != 0 {
		t.Fatalf("events = %v", body["events"])
	}
	if store.filters.RobotID == nil || *store.filters.RobotID != "r1" ||
		store.filters.Level == nil || *store.filters.Level != models.EventLevelWarning {
		t.Fatalf("filters = %+v", store.filters)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/robots/r1/sessions", "admin-token", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
