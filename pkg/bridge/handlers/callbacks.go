package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/callbridge-ai/callbridge/pkg/bridge/acs"
	"github.com/callbridge-ai/callbridge/pkg/bridge/relay"
)

// CallbacksHandler receives call lifecycle events. The platform expects a
// 200 for every accepted batch; processing failures are logged, never
// surfaced.
type CallbacksHandler struct {
	Registry *relay.Registry
	Logger   *slog.Logger
}

func (h CallbacksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	contextID := strings.TrimPrefix(r.URL.Path, "/api/callbacks/")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	events, err := acs.ParseCallbackEvents(body)
	if err != nil {
		h.Logger.Warn("ignoring malformed callback body", "context_id", contextID, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, event := range events {
		data, err := event.CallbackData()
		if err != nil {
			h.Logger.Warn("ignoring malformed callback event", "type", event.Type, "error", err)
			continue
		}
		logger := h.Logger.With("type", event.Type, "context_id", contextID, "call_connection_id", data.CallConnectionID)

		switch event.Type {
		case acs.EventCallConnected:
			logger.Info("call connected")
		case acs.EventCallDisconnected:
			logger.Info("call disconnected")
			h.Registry.Remove(data.CallConnectionID)
		case acs.EventMediaStreamingStopped:
			logger.Info("media streaming stopped")
		case acs.EventParticipantsUpdated:
			logger.Debug("participants updated")
		default:
			logger.Debug("ignoring callback event")
		}
	}

	w.WriteHeader(http.StatusOK)
}
