package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"ridecore/internal/types"
)

type recorder struct {
	targets []Target
	events  []string
	err     error
}

func (r *recorder) Emit(_ context.Context, t Target, event string, _ any) error {
	r.targets = append(r.targets, t)
	r.events = append(r.events, event)
	return r.err
}

func TestFanout_EmitsToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{}, &recorder{err: boom}
	err := Fanout{a, b}.Emit(context.Background(), Ride(7), "ride.completed", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("want joined error, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatal("every notifier must receive the event")
	}
	if a.targets[0].Room() != "ride:7" {
		t.Errorf("room = %s", a.targets[0].Room())
	}
}

type fakeMessaging struct {
	sent []*messaging.Message
}

func (f *fakeMessaging) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m)
	return "msg-1", nil
}

func TestPush_OnlyOffersToDrivers(t *testing.T) {
	fm := &fakeMessaging{}
	p := &Push{client: fm}
	ctx := context.Background()

	_ = p.Emit(ctx, Passenger("p1"), EventOffer, nil)
	_ = p.Emit(ctx, Driver("d1"), "ride.cancelled", nil)
	if err := p.Emit(ctx, Driver("d1"), EventOffer, map[string]int64{"ride_id": 3}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(fm.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fm.sent))
	}
	m := fm.sent[0]
	if m.Topic != "driver-d1" || m.Data["event"] != EventOffer || !strings.Contains(m.Data["payload"], `"ride_id":3`) {
		t.Errorf("unexpected message: %+v", m)
	}
}

func dialHub(t *testing.T, hub *Hub, self Target) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, self)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if f := readFrame(t, conn); f.Event != "connected" {
		t.Fatalf("first frame = %+v, want connected", f)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func TestHub_UserRoomDelivery(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()
	conn := dialHub(t, hub, Driver("d1"))

	if err := hub.Emit(context.Background(), Driver("d1"), EventOffer, map[string]int{"ride_id": 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if f := readFrame(t, conn); f.Event != EventOffer {
		t.Fatalf("got %+v", f)
	}
}

func TestHub_RideRoomJoinRespectsAccess(t *testing.T) {
	access := func(_ context.Context, user types.ID, rideID int64) bool {
		return user == "p1" && rideID == 42
	}
	hub := NewHub(access, nil)
	defer hub.Close()
	conn := dialHub(t, hub, Passenger("p1"))

	_ = conn.WriteJSON(map[string]any{"type": "join", "ride_id": 99})
	if f := readFrame(t, conn); f.Event != "error" {
		t.Fatalf("join to foreign ride should fail, got %+v", f)
	}
	_ = conn.WriteJSON(map[string]any{"type": "join", "ride_id": 42})
	if f := readFrame(t, conn); f.Event != "joined" {
		t.Fatalf("got %+v", f)
	}
	if hub.Connections(Ride(42)) != 1 {
		t.Fatal("client not in ride room")
	}

	_ = hub.Emit(context.Background(), Ride(42), "ride.on_site", nil)
	if f := readFrame(t, conn); f.Event != "ride.on_site" {
		t.Fatalf("got %+v", f)
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	hub := NewHub(nil, nil)
	conn := dialHub(t, hub, Passenger("p2"))
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close")
	}
	if hub.Connections(Passenger("p2")) != 0 {
		t.Fatal("room not emptied")
	}
}
