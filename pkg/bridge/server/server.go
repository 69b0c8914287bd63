// Package server assembles the HTTP surface: the webhook endpoints, the
// media websocket, and the operational endpoints, behind the shared
// middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callbridge-ai/callbridge/pkg/bridge/acs"
	"github.com/callbridge-ai/callbridge/pkg/bridge/config"
	"github.com/callbridge-ai/callbridge/pkg/bridge/handlers"
	"github.com/callbridge-ai/callbridge/pkg/bridge/metrics"
	"github.com/callbridge-ai/callbridge/pkg/bridge/mw"
	"github.com/callbridge-ai/callbridge/pkg/bridge/realtime"
	"github.com/callbridge-ai/callbridge/pkg/bridge/relay"
	"github.com/callbridge-ai/callbridge/pkg/bridge/store"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	client   acs.CallClient
	dialer   realtime.Dialer
	registry *relay.Registry
	recorder store.Recorder
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
}

type Dependencies struct {
	Client   acs.CallClient
	Dialer   realtime.Dialer
	Registry *relay.Registry
	Recorder store.Recorder
	Logger   *slog.Logger
}

func New(cfg config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = relay.NewRegistry()
	}
	if deps.Recorder == nil {
		deps.Recorder = store.NopRecorder{}
	}

	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		logger:   deps.Logger,
		mux:      http.NewServeMux(),
		client:   deps.Client,
		dialer:   deps.Dialer,
		registry: deps.Registry,
		recorder: deps.Recorder,
		metrics:  metrics.New(promReg),
		promReg:  promReg,
	}

	s.routes()
	return s
}

// Registry exposes the session registry for shutdown draining.
func (s *Server) Registry() *relay.Registry { return s.registry }

func (s *Server) relayConfig() relay.Config {
	return relay.Config{
		AdditionalInstructions: s.cfg.AdditionalInstructions,
		Voice:                  s.cfg.Voice,
		VADThreshold:           s.cfg.VADThreshold,
		VADPrefixPadding:       s.cfg.VADPrefixPadding,
		VADSilenceDuration:     s.cfg.VADSilenceDuration,
		Temperature:            s.cfg.Temperature,
		MaxResponseTokens:      s.cfg.MaxResponseTokens,
		HangUpGracePeriod:      s.cfg.HangUpGracePeriod,
	}
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.StatusHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	s.mux.Handle("/api/incomingCall", handlers.IncomingCallHandler{
		Client:       s.client,
		Dialer:       s.dialer,
		Registry:     s.registry,
		Recorder:     s.recorder,
		Metrics:      s.metrics,
		Logger:       s.logger,
		TransportURL: s.cfg.TransportURL(),
		CallbackURL:  s.cfg.CallbackURL(),
		RelayConfig:  s.relayConfig(),
	})
	s.mux.Handle("/api/callbacks/", handlers.CallbacksHandler{
		Registry: s.registry,
		Logger:   s.logger,
	})
	s.mux.Handle("/ws", handlers.StreamHandler{
		Registry:        s.registry,
		Dialer:          s.dialer,
		Recorder:        s.recorder,
		Metrics:         s.metrics,
		Logger:          s.logger,
		RelayConfig:     s.relayConfig(),
		WriteTimeout:    s.cfg.WSWriteTimeout,
		MaxMessageBytes: s.cfg.WSMaxMessageBytes,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
