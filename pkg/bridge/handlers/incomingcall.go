package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/callbridge-ai/callbridge/pkg/bridge/acs"
	"github.com/callbridge-ai/callbridge/pkg/bridge/metrics"
	"github.com/callbridge-ai/callbridge/pkg/bridge/realtime"
	"github.com/callbridge-ai/callbridge/pkg/bridge/relay"
	"github.com/callbridge-ai/callbridge/pkg/bridge/store"
)

const maxWebhookBodyBytes = 1 << 20

// IncomingCallHandler answers the event-grid incoming-call webhook: the
// subscription validation handshake inline, real calls by answering them on
// the platform and registering a relay session for the media stream.
type IncomingCallHandler struct {
	Client       acs.CallClient
	Dialer       realtime.Dialer
	Registry     *relay.Registry
	Recorder     store.Recorder
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	TransportURL string
	CallbackURL  string
	RelayConfig  relay.Config
}

func (h IncomingCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	events, err := acs.ParseGridEvents(body)
	if err != nil {
		h.Logger.Warn("rejecting malformed incoming-call webhook", "error", err)
		http.Error(w, "invalid event envelope", http.StatusBadRequest)
		return
	}

	for _, event := range events {
		switch event.EventType {
		case acs.EventSubscriptionValidation:
			h.Logger.Info("validating event subscription", "event_id", event.ID)
			data, err := event.ValidationData()
			if err != nil {
				h.Logger.Warn("invalid subscription validation event", "error", err)
				http.Error(w, "invalid validation event", http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"validationResponse": data.ValidationCode})
			return

		case acs.EventIncomingCall:
			h.answerCall(w, r, event)

		default:
			h.Logger.Debug("ignoring webhook event", "event_type", event.EventType)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h IncomingCallHandler) answerCall(w http.ResponseWriter, r *http.Request, event acs.GridEvent) {
	data, err := event.IncomingCallData()
	if err != nil {
		h.Logger.Warn("invalid incoming call event", "error", err)
		return
	}

	callerNumber := ""
	if data.From.Kind == "phoneNumber" && data.From.PhoneNumber != nil {
		callerNumber = data.From.PhoneNumber.Value
		h.Logger.Info("incoming call", "caller_number", callerNumber)
	} else {
		h.Logger.Info("incoming call", "from_kind", data.From.Kind)
	}

	callbackURL := h.CallbackURL
	if data.CorrelationID != "" {
		callbackURL += "/" + url.PathEscape(data.CorrelationID)
	}
	conn, err := h.Client.Answer(r.Context(), data.IncomingCallContext, acs.AnswerOptions{
		TransportURL:     h.TransportURL,
		CallbackURL:      callbackURL,
		OperationContext: "incomingCall",
	})
	if err != nil {
		h.Logger.Error("failed to answer call", "error", err)
		return
	}
	h.Logger.Info("answered call", "call_connection_id", conn.ID())

	session, err := relay.New(relay.Dependencies{
		CallID:       conn.ID(),
		CallerNumber: callerNumber,
		Dialer:       h.Dialer,
		Call:         conn,
		Recorder:     h.Recorder,
		Metrics:      h.Metrics,
		Logger:       h.Logger,
		Config:       h.RelayConfig,
	})
	if err != nil {
		h.Logger.Error("failed to create session", "error", err)
		_ = conn.Close()
		return
	}
	// Removed again by the disconnect callback or the stream handler.
	_ = h.Registry.Register(session)
}
