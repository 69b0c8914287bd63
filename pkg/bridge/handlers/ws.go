package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge-ai/callbridge/pkg/bridge/metrics"
	"github.com/callbridge-ai/callbridge/pkg/bridge/realtime"
	"github.com/callbridge-ai/callbridge/pkg/bridge/relay"
	"github.com/callbridge-ai/callbridge/pkg/bridge/store"
)

// StreamHandler accepts the platform's media websocket and pumps its frames
// into the call's relay session. The stream carries no call id, so the
// handler claims the most recently answered session; without one (local
// testing against a bare websocket client) it runs a standalone session.
type StreamHandler struct {
	Registry        *relay.Registry
	Dialer          realtime.Dialer
	Recorder        store.Recorder
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	RelayConfig     relay.Config
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("media websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if h.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.MaxMessageBytes)
	}

	session := h.Registry.Active()
	standalone := session == nil
	if standalone {
		session, err = relay.New(relay.Dependencies{
			CallID:   "standalone-" + r.RemoteAddr,
			Dialer:   h.Dialer,
			Recorder: h.Recorder,
			Metrics:  h.Metrics,
			Logger:   h.Logger,
			Config:   h.RelayConfig,
		})
		if err != nil {
			h.Logger.Error("failed to create standalone session", "error", err)
			return
		}
		h.Logger.Info("media stream without an answered call, running standalone")
	}
	defer func() {
		if standalone {
			session.Teardown()
		} else {
			h.Registry.Remove(session.CallID())
		}
	}()

	session.AttachStream(&wsCallStream{conn: conn, writeTimeout: h.WriteTimeout})
	h.Logger.Info("media stream connected", "call_connection_id", session.CallID())

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Debug("media stream closed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			h.Logger.Debug("ignoring non-text stream message", "message_type", messageType)
			continue
		}
		if err := session.HandleFrame(r.Context(), data); err != nil {
			h.Logger.Error("failed to relay stream frame", "error", err)
			return
		}
	}
}

// wsCallStream serializes instruction writes onto the media websocket. The
// consumer goroutine is the only instruction writer, but control frames from
// the read loop share the connection.
type wsCallStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (s *wsCallStream) SendInstruction(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
