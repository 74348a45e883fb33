package live

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"heatpump/server/authz"
	"heatpump/server/cursor"
	"heatpump/server/identity"
	"heatpump/server/ingest"
)

type streamFixture struct {
	hub    *Hub
	sealer *cursor.Sealer
	server *httptest.Server
}

// newStreamFixture serves the stream with a fixed caller identity.
func newStreamFixture(t *testing.T, id *authz.Identity) *streamFixture {
	t.Helper()
	sealer, err := cursor.NewSealer(bytes.Repeat([]byte{0x55}, cursor.MinSecretLen))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	hub := NewHub(nil)
	t.Cleanup(hub.Stop)

	h := NewStreamHandler(hub, authz.NewPseudonymizer(sealer), nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id != nil {
			r = r.WithContext(identity.WithIdentity(r.Context(), id))
		}
		h.HandleStream(w, r)
	}))
	t.Cleanup(srv.Close)
	return &streamFixture{hub: hub, sealer: sealer, server: srv}
}

func (f *streamFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/telemetry/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var hello Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != MessageTypeSubscribed {
		t.Fatalf("subscribe handshake: %+v %v", hello, err)
	}
	return conn
}

func TestStreamFiltersByScopeAndSealsIDs(t *testing.T) {
	t.Parallel()

	tenant := authz.NewIdentity("w@example.com", []string{"viewer"}, []string{"west"}, "")
	f := newStreamFixture(t, tenant)
	conn := f.dial(t)

	f.hub.Publish(ingest.Event{Profile: "east", BatchID: "b-east", Accepted: 1, DeviceIDs: []string{"hp-east-01"}})
	f.hub.Publish(ingest.Event{Profile: "west", BatchID: "b-west", Accepted: 2, DeviceIDs: []string{"hp-west-01"}})

	var msg Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTypeIngest || msg.BatchID != "b-west" || msg.Accepted != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.Devices) != 1 || msg.Devices[0] != f.sealer.Seal("hp-west-01") {
		t.Errorf("devices = %v, want sealed hp-west-01", msg.Devices)
	}
}

func TestStreamAdminSeesRawIDs(t *testing.T) {
	t.Parallel()

	admin := authz.NewIdentity("ops@example.com", []string{"admin"}, nil, "")
	f := newStreamFixture(t, admin)
	conn := f.dial(t)

	f.hub.Publish(ingest.Event{Profile: "east", BatchID: "b-east", Accepted: 1, DeviceIDs: []string{"hp-east-01"}})

	var msg Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msg.Devices) != 1 || msg.Devices[0] != "hp-east-01" {
		t.Errorf("devices = %v, want raw id", msg.Devices)
	}
}

func TestStreamRequiresIdentity(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, nil)
	resp, err := http.Get(f.server.URL + "/telemetry/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStreamUnregistersOnClose(t *testing.T) {
	t.Parallel()

	tenant := authz.NewIdentity("w@example.com", []string{"viewer"}, []string{"west"}, "")
	f := newStreamFixture(t, tenant)
	conn := f.dial(t)
	waitClients(t, f.hub, 1)
	conn.Close()
	waitClients(t, f.hub, 0)
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
