package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/visual"
)

const hubBacklog = 256

// Hub fans lifecycle events out to websocket clients. Clients may send run controls
// back as JSON {"type": "pause" | "resume" | "step", "steps": n}.
type Hub struct {
	upgrader  websocket.Upgrader
	log       zerolog.Logger
	controls  *visual.ControlQueue
	register  chan *websocket.Conn
	remove    chan *websocket.Conn
	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once

	clients atomic.Int64
	dropped atomic.Int64
}

var _ visual.EventSink = (*Hub)(nil)

// NewHub starts a hub. Controls received from clients go to controls, which may be nil.
func NewHub(logger zerolog.Logger, controls *visual.ControlQueue) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:       logger.With().Str("component", "ws").Logger(),
		controls:  controls,
		register:  make(chan *websocket.Conn),
		remove:    make(chan *websocket.Conn),
		broadcast: make(chan []byte, hubBacklog),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	clients := make(map[*websocket.Conn]bool)
	for {
		select {
		case <-h.done:
			for conn := range clients {
				conn.Close()
			}
			return
		case conn := <-h.register:
			clients[conn] = true
			h.clients.Store(int64(len(clients)))
		case conn := <-h.remove:
			if _, ok := clients[conn]; ok {
				delete(clients, conn)
				conn.Close()
				h.clients.Store(int64(len(clients)))
			}
		case msg := <-h.broadcast:
			for conn := range clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.Warn().Err(err).Msg("dropping websocket client")
					delete(clients, conn)
					conn.Close()
				}
			}
			h.clients.Store(int64(len(clients)))
		}
	}
}

// PublishEvent queues ev for every client. Events are dropped when the backlog is full
// so the emulation never waits on a slow reader.
func (h *Hub) PublishEvent(ev core.TraceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal event")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// Dropped returns the number of events discarded for backlog.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.remove <- conn:
			case <-h.done:
			}
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Warn().Err(err).Msg("websocket read failed")
				}
				return
			}
			var req controlRequest
			if err := json.Unmarshal(message, &req); err != nil {
				h.log.Debug().Err(err).Msg("ignoring websocket message")
				continue
			}
			cmd, err := visual.ParseControl(req.Type, req.Steps)
			if err != nil || h.controls == nil {
				continue
			}
			if !h.controls.Push(cmd) {
				h.log.Warn().Str("control", string(cmd.Kind)).Msg("control queue full")
			}
		}
	}()
}
