package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamBuffer       = 32
	streamWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // operator tooling on other origins
	},
}

// StreamEvent describes one inbound notification for live viewers.
type StreamEvent struct {
	DeviceID   string    `json:"deviceId"`
	Device     string    `json:"device"`
	Service    string    `json:"service"`
	Bytes      int       `json:"bytes"`
	ReceivedAt time.Time `json:"receivedAt"`
	Known      bool      `json:"known"`
}

type streamViewer struct {
	conn *websocket.Conn
	send chan StreamEvent
	once sync.Once
}

func (v *streamViewer) close() {
	v.once.Do(func() {
		close(v.send)
	})
}

// streamHub fans notifications out to websocket viewers. A viewer that
// cannot keep up is disconnected rather than slowing down dispatch.
type streamHub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	viewers map[*streamViewer]struct{}
}

func newStreamHub(logger zerolog.Logger) *streamHub {
	return &streamHub{
		logger:  logger,
		viewers: make(map[*streamViewer]struct{}),
	}
}

func (h *streamHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	viewer := &streamViewer{conn: conn, send: make(chan StreamEvent, streamBuffer)}
	h.mu.Lock()
	h.viewers[viewer] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(viewer)
	go h.readLoop(viewer)
}

func (h *streamHub) publish(event StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for viewer := range h.viewers {
		select {
		case viewer.send <- event:
		default:
			h.logger.Debug().Str("remote", viewer.conn.RemoteAddr().String()).Msg("dropping slow stream viewer")
			delete(h.viewers, viewer)
			viewer.close()
		}
	}
}

func (h *streamHub) remove(viewer *streamViewer) {
	h.mu.Lock()
	delete(h.viewers, viewer)
	h.mu.Unlock()
	viewer.close()
}

func (h *streamHub) closeAll() {
	h.mu.Lock()
	viewers := h.viewers
	h.viewers = make(map[*streamViewer]struct{})
	h.mu.Unlock()

	for viewer := range viewers {
		viewer.close()
	}
}

func (h *streamHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *streamHub) writeLoop(viewer *streamViewer) {
	defer viewer.conn.Close()
	for event := range viewer.send {
		_ = viewer.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := viewer.conn.WriteJSON(event); err != nil {
			h.remove(viewer)
			break
		}
	}
	_ = viewer.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readLoop only exists to notice the viewer going away.
func (h *streamHub) readLoop(viewer *streamViewer) {
	for {
		if _, _, err := viewer.conn.ReadMessage(); err != nil {
			h.remove(viewer)
			return
		}
	}
}
