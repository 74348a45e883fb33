package live

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"heatpump/server/apierr"
	"heatpump/server/authz"
	"heatpump/server/identity"
	"heatpump/server/ingest"
)

const (
	MessageTypeSubscribed = "subscribed"
	MessageTypeIngest     = "ingest"

	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxReadBytes = 512
)

// Message is the frame sent to stream subscribers.
type Message struct {
	Type      string    `json:"type"`
	Profile   string    `json:"profile,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	Accepted  int       `json:"accepted,omitempty"`
	Devices   []string  `json:"devices,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler serves GET /telemetry/stream.
type StreamHandler struct {
	hub      *Hub
	pseudo   *authz.Pseudonymizer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewStreamHandler creates the stream handler. checkOrigin may be nil to
// accept same-origin requests only.
func NewStreamHandler(hub *Hub, pseudo *authz.Pseudonymizer, logger *slog.Logger, checkOrigin func(*http.Request) bool) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		hub:      hub,
		pseudo:   pseudo,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		now:      time.Now,
	}
}

// HandleStream authenticates, upgrades and then relays in-scope events until
// the client goes away.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if err := authz.Authorize(id, authz.ActionStreamSubscribe); err != nil {
		apierr.Write(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	events := make(chan ingest.Event, ClientBuffer)
	if !h.hub.Register(clientID, events) {
		return
	}
	var once sync.Once
	leave := func() { once.Do(func() { h.hub.Unregister(clientID) }) }
	defer leave()

	sub := &subscriber{
		conn:   conn,
		scope:  authz.BuildScope(id),
		admin:  id.IsAdmin(),
		pseudo: h.pseudo,
		now:    h.now,
	}
	go func() {
		if err := sub.readLoop(); websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			h.logger.Debug("stream closed unexpectedly", "client", clientID, "error", err)
		}
		leave()
	}()

	if err := sub.write(Message{Type: MessageTypeSubscribed}); err != nil {
		return
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				sub.close()
				return
			}
			msg, deliver := sub.render(ev)
			if !deliver {
				continue
			}
			if err := sub.write(msg); err != nil {
				h.logger.Debug("stream write failed", "client", clientID, "error", err)
				return
			}
		case <-ticker.C:
			if err := sub.ping(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type subscriber struct {
	conn   *websocket.Conn
	scope  authz.Scope
	admin  bool
	pseudo *authz.Pseudonymizer
	now    func() time.Time

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

// render filters ev by scope and seals its device ids for this subscriber.
func (s *subscriber) render(ev ingest.Event) (Message, bool) {
	if !s.scope.Allows(ev.Profile) {
		return Message{}, false
	}
	devices := make([]string, 0, len(ev.DeviceIDs))
	for _, id := range ev.DeviceIDs {
		devices = append(devices, s.pseudo.Seal(id, s.admin))
	}
	return Message{
		Type:     MessageTypeIngest,
		Profile:  ev.Profile,
		BatchID:  ev.BatchID,
		Accepted: ev.Accepted,
		Devices:  devices,
	}, true
}

func (s *subscriber) write(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *subscriber) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *subscriber) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// readLoop drains client frames so control messages are processed. It returns
// once the client closes or stops answering pings.
func (s *subscriber) readLoop() error {
	s.conn.SetReadLimit(maxReadBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return err
		}
	}
}
