// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scribeworks/scribed/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon binds to loopback by default; cross-origin browsers are
	// not a supported client.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the wire shape of a pushed event.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleWS upgrades the connection and streams bus events. Clients that
// stop answering pings within the heartbeat timeout are disconnected.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.sys.Subscribe()
	logger := s.logger.With().Str("subscriber", sub.ID()).Logger()
	logger.Debug().Msg("websocket client connected")

	defer func() {
		sub.Close()
		_ = conn.Close()
		logger.Debug().Msg("websocket client disconnected")
	}()

	interval := s.cfg.HeartbeatInterval
	timeout := s.cfg.HeartbeatTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	// Reader drains control frames and detects the peer going away.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(interval)
	defer ping.Stop()

	for {
		select {
		case <-readerGone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(wsMessage{Type: string(ev.Type), Data: ev.Payload}); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
			if ev.Type == events.TypeCompaction {
				logger.Warn().Msg("subscriber fell behind, events compacted")
			}
		}
	}
}
