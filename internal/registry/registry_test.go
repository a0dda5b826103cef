package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robot-link/robot-link-server/internal/clock"
	"github.com/robot-link/robot-link-server/pkg/protocol"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSocket struct {
	mu       sync.Mutex
	sent     [][]byte
	pings    int
	closed   bool
	code     int
	reason   string
	sendErr  error
	pingErr  error
	closeCnt int
}

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return errors.New("send on closed socket")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSocket) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCnt++
	if !f.closed {
		f.closed = true
		f.code = code
		f.reason = reason
	}
	return nil
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) closedWith() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

type event struct {
	kind   string
	robot  string
	reason string
}

type recordingObserver struct {
	mu     sync.Mutex
	events []event
}

func (o *recordingObserver) SessionOpened(info SessionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event{kind: "opened", robot: info.DeviceID})
}

func (o *recordingObserver) SessionClosed(info SessionInfo, reason string, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event{kind: "closed", robot: info.DeviceID, reason: reason})
}

func (o *recordingObserver) snapshot() []event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]event(nil), o.events...)
}

type panickingObserver struct{}

func (panickingObserver) SessionOpened(SessionInfo) { panic("boom") }
func (panickingObserver) SessionClosed(SessionInfo, string, time.Time) { panic("boom") }

func online(t *testing.T, r *Registry, id string) (*Session, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	s, err := r.Register(Identity{DeviceID: id, PrincipalID: 7, Role: "robot"}, sock)
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	if err := r.MarkAuthenticated(id); err != nil {
		t.Fatalf("MarkAuthenticated(%s): %v", id, err)
	}
	return s, sock
}

func commandFrame(id string) protocol.Frame {
	return protocol.Frame{
		Type:          protocol.TypeCommandPush,
		Payload:       []byte(`{"action":"move"}`),
		TimestampMs:   epoch.UnixMilli(),
		CorrelationID: id,
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	r := New(clock.Fake(epoch))
	sock := &fakeSocket{}
	s, err := r.Register(Identity{DeviceID: "r1", PrincipalID: 42}, sock)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("session has no ID")
	}

	if got := r.ListOnline(); len(got) != 0 {
		t.Fatalf("unauthenticated session listed online: %v", got)
	}
	if r.Push("r1", commandFrame("m1")) {
		t.Fatal("push to unauthenticated session succeeded")
	}
	if sock.sentCount() != 0 {
		t.Fatal("frame sent to unauthenticated session")
	}

	if err := r.MarkAuthenticated("r1"); err != nil {
		t.Fatalf("MarkAuthenticated: %v", err)
	}
	got := r.ListOnline()
	if len(got) != 1 || got[0] != "r1" {
		t.Fatalf("ListOnline = %v, want [r1]", got)
	}

	info, ok := r.Get("r1")
	if !ok {
		t.Fatal("Get returned no session")
	}
	if info.State != StateAuthenticated || info.PrincipalID != 42 || info.AuthenticatedAt.IsZero() {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestMarkAuthenticatedErrors(t *testing.T) {
	r := New(clock.Fake(epoch))
	if err := r.MarkAuthenticated("ghost"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}

	sock := &fakeSocket{}
	s, _ := r.Register(Identity{DeviceID: "r1"}, sock)
	s.closed.Store(true)
	if err := r.MarkAuthenticated("r1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestRegisterSupersedesPreviousSession(t *testing.T) {
	obs := &recordingObserver{}
	r := New(clock.Fake(epoch), WithObserver(obs))
	first, oldSock := online(t, r, "r1")

	newSock := &fakeSocket{}
	second, err := r.Register(Identity{DeviceID: "r1", PrincipalID: 7}, newSock)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.ID() == second.ID() {
		t.Fatal("session IDs collide")
	}

	closed, code, reason := oldSock.closedWith()
	if !closed || code != protocol.CloseSuperseded || reason != protocol.ReasonSuperseded {
		t.Fatalf("old socket closed=%v code=%d reason=%q", closed, code, reason)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if err := r.MarkAuthenticated("r1"); err != nil {
		t.Fatalf("MarkAuthenticated: %v", err)
	}

	if !r.Push("r1", commandFrame("m1")) {
		t.Fatal("push to new session failed")
	}
	if oldSock.sentCount() != 0 || newSock.sentCount() != 1 {
		t.Fatalf("old sent %d, new sent %d", oldSock.sentCount(), newSock.sentCount())
	}

	// The stale session's late teardown must not evict its successor.
	if r.UnregisterSession("r1", first.ID(), protocol.ReasonConnectionClosed) {
		t.Fatal("stale UnregisterSession removed the current session")
	}
	if got := r.ListOnline(); len(got) != 1 {
		t.Fatalf("ListOnline = %v", got)
	}

	events := obs.snapshot()
	want := []event{
		{kind: "opened", robot: "r1"},
		{kind: "closed", robot: "r1", reason: protocol.ReasonSuperseded},
		{kind: "opened", robot: "r1"},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestPushEncodesFrame(t *testing.T) {
	r := New(clock.Fake(epoch))
	_, sock := online(t, r, "r1")

	if !r.Push("r1", commandFrame("m1")) {
		t.Fatal("Push returned false")
	}
	f, err := protocol.Decode(sock.sent[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Type != protocol.TypeCommandPush || f.CorrelationID != "m1" {
		t.Fatalf("unexpected frame %+v", f)
	}

	info, _ := r.Get("r1")
	if info.Pushes != 1 || info.LastPushAt.IsZero() {
		t.Fatalf("push counters not updated: %+v", info)
	}
}

func TestPushRejectsInvalidFrame(t *testing.T) {
	r := New(clock.Fake(epoch))
	_, sock := online(t, r, "r1")

	// command_push without a correlation ID cannot be encoded.
	if r.Push("r1", protocol.Frame{Type: protocol.TypeCommandPush, TimestampMs: epoch.UnixMilli()}) {
		t.Fatal("invalid frame pushed")
	}
	if sock.sentCount() != 0 {
		t.Fatal("invalid frame reached the socket")
	}
	if r.Len() != 1 {
		t.Fatal("invalid frame dropped the session")
	}
}

func TestPushToUnknownDevice(t *testing.T) {
	r := New(clock.Fake(epoch))
	if r.Push("nobody", commandFrame("m1")) {
		t.Fatal("push to unknown device succeeded")
	}
}

func TestPushFailureUnregisters(t *testing.T) {
	obs := &recordingObserver{}
	r := New(clock.Fake(epoch), WithObserver(obs))
	_, sock := online(t, r, "r1")
	sock.sendErr = errors.New("broken pipe")

	if r.Push("r1", commandFrame("m1")) {
		t.Fatal("push on broken socket succeeded")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after failed push", r.Len())
	}
	events := obs.snapshot()
	if len(events) != 2 || events[1].reason != protocol.ReasonConnectionClosed {
		t.Fatalf("events = %+v", events)
	}
}

func TestTouchHeartbeatIsMonotonic(t *testing.T) {
	r := New(clock.Fake(epoch))
	online(t, r, "r1")

	later := epoch.Add(40 * time.Second)
	if err := r.TouchHeartbeat("r1", later); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}
	if err := r.TouchHeartbeat("r1", epoch.Add(10*time.Second)); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}

	info, _ := r.Get("r1")
	if !info.LastHeartbeatAt.Equal(later) {
		t.Fatalf("LastHeartbeatAt = %v, want %v", info.LastHeartbeatAt, later)
	}

	if err := r.TouchHeartbeat("ghost", later); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestSessionScopedCallsIgnoreSuperseded(t *testing.T) {
	clk := clock.Fake(epoch)
	r := New(clk)
	old, err := r.Register(Identity{DeviceID: "r1"}, &fakeSocket{})
	if err != nil {
		t.Fatal(err)
	}
	newer, err := r.Register(Identity{DeviceID: "r1"}, &fakeSocket{})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.MarkSessionAuthenticated("r1", old.ID()); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("stale MarkSessionAuthenticated err = %v, want ErrUnknownDevice", err)
	}
	if len(r.ListOnline()) != 0 {
		t.Fatal("stale handshake promoted the newer session")
	}
	if err := r.MarkSessionAuthenticated("r1", newer.ID()); err != nil {
		t.Fatalf("MarkSessionAuthenticated: %v", err)
	}

	clk.Advance(50 * time.Second)
	if err := r.TouchSessionHeartbeat("r1", old.ID(), clk.Now()); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("stale TouchSessionHeartbeat err = %v, want ErrUnknownDevice", err)
	}
	info, _ := r.Get("r1")
	if !info.LastHeartbeatAt.Equal(epoch) {
		t.Fatalf("LastHeartbeatAt = %v, want %v", info.LastHeartbeatAt, epoch)
	}

	if err := r.TouchSessionHeartbeat("r1", newer.ID(), clk.Now()); err != nil {
		t.Fatalf("TouchSessionHeartbeat: %v", err)
	}
	info, _ = r.Get("r1")
	if !info.LastHeartbeatAt.Equal(clk.Now()) {
		t.Fatalf("LastHeartbeatAt = %v, want %v", info.LastHeartbeatAt, clk.Now())
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	r := New(clock.Fake(epoch), WithObserver(obs))
	_, sock := online(t, r, "r1")

	if !r.Unregister("r1", protocol.ReasonHeartbeatTimeout) {
		t.Fatal("first Unregister returned false")
	}
	if r.Unregister("r1", protocol.ReasonHeartbeatTimeout) {
		t.Fatal("second Unregister returned true")
	}

	closed, code, _ := sock.closedWith()
	if !closed || code != protocol.CloseHeartbeatTimeout {
		t.Fatalf("closed=%v code=%d", closed, code)
	}
	if sock.closeCnt != 1 {
		t.Fatalf("socket closed %d times", sock.closeCnt)
	}
	if r.Push("r1", commandFrame("m1")) {
		t.Fatal("push after unregister succeeded")
	}
	if n := len(obs.snapshot()); n != 2 {
		t.Fatalf("observer saw %d events, want 2", n)
	}
}

func TestUnauthenticatedCloseIsNotObserved(t *testing.T) {
	obs := &recordingObserver{}
	r := New(clock.Fake(epoch), WithObserver(obs))
	r.Register(Identity{DeviceID: "r1"}, &fakeSocket{})
	r.Unregister("r1", protocol.ReasonAuthTimeout)

	if events := obs.snapshot(); len(events) != 0 {
		t.Fatalf("events = %+v", events)
	}
}

func TestProbe(t *testing.T) {
	r := New(clock.Fake(epoch))
	_, sock := online(t, r, "r1")

	if err := r.Probe("r1"); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if sock.pings != 1 {
		t.Fatalf("pings = %d", sock.pings)
	}
	before, _ := r.Get("r1")
	if err := r.Probe("r1"); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	after, _ := r.Get("r1")
	if !after.LastHeartbeatAt.Equal(before.LastHeartbeatAt) {
		t.Fatal("Probe advanced lastHeartbeatAt")
	}
	if err := r.Probe("ghost"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v", err)
	}
}

func TestShutdownClosesAll(t *testing.T) {
	r := New(clock.Fake(epoch))
	_, a := online(t, r, "a")
	_, b := online(t, r, "b")

	r.Shutdown(protocol.ReasonServerShutdown)

	for _, sock := range []*fakeSocket{a, b} {
		closed, code, _ := sock.closedWith()
		if !closed || code != protocol.CloseGoingAway {
			t.Fatalf("closed=%v code=%d", closed, code)
		}
	}
	if _, err := r.Register(Identity{DeviceID: "c"}, &fakeSocket{}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Register after shutdown: %v", err)
	}
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	obs := &recordingObserver{}
	r := New(clock.Fake(epoch), WithObserver(panickingObserver{}), WithObserver(obs))
	online(t, r, "r1")
	r.Unregister("r1", protocol.ReasonClientDisconnect)

	if n := len(obs.snapshot()); n != 2 {
		t.Fatalf("second observer saw %d events, want 2", n)
	}
}

func TestSnapshot(t *testing.T) {
	r := New(clock.Fake(epoch))
	online(t, r, "a")
	r.Register(Identity{DeviceID: "b"}, &fakeSocket{})

	infos := r.Snapshot()
	if len(infos) != 2 {
		t.Fatalf("Snapshot len = %d", len(infos))
	}
	states := map[string]State{}
	for _, info := range infos {
		states[info.DeviceID] = info.State
	}
	if states["a"] != StateAuthenticated || states["b"] != StateUnauthenticated {
		t.Fatalf("states = %v", states)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New(clock.Fake(epoch))
	const devices = 8
	const rounds = 50

	var wg sync.WaitGroup
	for d := 0; d < devices; d++ {
		id := fmt.Sprintf("robot-%d", d)
		wg.Add(3)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				r.Register(Identity{DeviceID: id}, &fakeSocket{})
				r.MarkAuthenticated(id)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				r.Push(id, commandFrame(fmt.Sprintf("m%d", i)))
				r.TouchHeartbeat(id, epoch.Add(time.Duration(i)*time.Second))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				r.ListOnline()
				r.Snapshot()
				if i%10 == 0 {
					r.Unregister(id, protocol.ReasonClientDisconnect)
				}
			}
		}()
	}
	wg.Wait()

	if r.Len() > devices {
		t.Fatalf("Len = %d, more than one session per device", r.Len())
	}
}
