package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/callbridge-ai/callbridge/pkg/bridge/acs"
	"github.com/callbridge-ai/callbridge/pkg/bridge/config"
	"github.com/callbridge-ai/callbridge/pkg/bridge/realtime"
	"github.com/callbridge-ai/callbridge/pkg/bridge/server"
	"github.com/callbridge-ai/callbridge/pkg/bridge/store"
)

type bridgeDeps struct {
	loadConfig    func() (config.Config, error)
	newCallClient func(string) (acs.CallClient, error)
	newRecorder   func(context.Context, string) (store.Recorder, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newCallClient: func(connectionString string) (acs.CallClient, error) {
			return acs.NewClientFromConnectionString(connectionString)
		},
		newRecorder: store.NewPG,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newCallClient == nil {
		return errors.New("missing newCallClient dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := deps.newCallClient(cfg.ACSConnectionString)
	if err != nil {
		return fmt.Errorf("call automation client: %w", err)
	}
	defer client.Close()

	recorder := store.Recorder(store.NopRecorder{})
	if cfg.DBDSN != "" {
		if deps.newRecorder == nil {
			return errors.New("missing newRecorder dependency")
		}
		recorder, err = deps.newRecorder(ctx, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("call record store: %w", err)
		}
	}
	defer recorder.Close()

	srv := server.New(cfg, server.Dependencies{
		Client: client,
		Dialer: realtime.WSDialer{
			Endpoint:         cfg.RealtimeEndpoint,
			Key:              cfg.RealtimeKey,
			Deployment:       cfg.RealtimeDeployment,
			HandshakeTimeout: cfg.ModelDialTimeout,
		},
		Recorder: recorder,
		Logger:   logger,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting bridge",
		"addr", cfg.Addr,
		"hostname", cfg.Hostname,
		"transport_url", cfg.TransportURL(),
		"callback_url", cfg.CallbackURL())

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	if n := srv.Registry().TeardownAll(); n > 0 {
		logger.Info("tearing down live calls", "count", n)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.Registry().Wait(waitCtx) {
		logger.Warn("live calls did not drain before the deadline")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	// A missing .env is fine; deployments configure through the environment.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "callbridged: load .env: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if os.Getenv("DEBUG_MODE") == "true" || os.Getenv("DEBUG_MODE") == "1" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callbridged: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
