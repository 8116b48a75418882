package api

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var streamSeq uint64

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleAlertStream upgrades the connection and relays security alerts as
// they are generated. Each client gets its own bus subscription, so a slow
// client only drops its own alerts.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	name := fmt.Sprintf("ws-%d", atomic.AddUint64(&streamSeq, 1))
	alerts := s.bus.Subscribe(name)
	defer s.bus.Unsubscribe(name)
	defer conn.Close()

	s.logger.Info("Alert stream client connected",
		zap.String("subscriber", name),
		zap.String("remote", r.RemoteAddr))

	// Reader goroutine: only to detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(alert); err != nil {
				s.logger.Debug("Alert stream write failed",
					zap.String("subscriber", name), zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
