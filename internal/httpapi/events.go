package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"inferd/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if !corsEnabled {
			return sameHost(r, origin)
		}
		for _, o := range corsAllowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	},
}

func sameHost(r *http.Request, origin string) bool {
	for _, scheme := range []string{"http://", "https://"} {
		if origin == scheme+r.Host {
			return true
		}
	}
	return false
}

// events godoc
// @Summary      Stream events
// @Description  Websocket stream of orchestrator events as JSON text frames. ?job= filters by job ID.
// @Tags         events
// @Success      101
// @Router       /events [get]
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so a client that submits work
	// right after connecting sees all of it.
	sub, unsubscribe := h.svc.Subscribe(256)
	defer unsubscribe()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		zlog.Debug().Err(err).Str("event", "ws_upgrade_failed").Msg("")
		return
	}
	defer conn.Close()

	jobFilter := r.URL.Query().Get("job")
	eventSubscribers.Inc()
	defer eventSubscribers.Dec()

	ctx, cancel := requestContext(r.Context())
	defer cancel()

	// The reader only services control frames and notices the peer leaving.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				code, reason := websocket.CloseGoingAway, "shutting down"
				if h.svc.Ready() {
					// the broadcaster disconnected us for falling behind
					code, reason = websocket.CloseTryAgainLater, "event stream overflow; reconnect"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
				return
			}
			if !matchesJob(e, jobFilter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}

// matchesJob keeps job-less events (server_ready, all_finished, warnings) in filtered streams.
func matchesJob(e events.Event, job string) bool {
	return job == "" || e.JobID == "" || e.JobID == job
}
