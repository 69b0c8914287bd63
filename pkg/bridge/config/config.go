package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Hostname is the externally reachable host for the media websocket and
	// the lifecycle callback endpoint. Resolved from the container platform
	// DNS when present, otherwise from HOSTNAME.
	Hostname string

	// Call platform (Azure Communication Services call automation).
	ACSConnectionString string

	// Speech model channel (realtime API over websocket).
	RealtimeEndpoint   string
	RealtimeKey        string
	RealtimeDeployment string

	// Model session parameters sent in the session-configure message.
	AdditionalInstructions string

	Voice              string
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration
	Temperature        float64
	MaxResponseTokens  int

	// Grace period between the end_call farewell and the hang-up.
	HangUpGracePeriod time.Duration

	// Media websocket tuning.
	WSWriteTimeout      time.Duration
	WSMaxMessageBytes   int64
	ModelDialTimeout    time.Duration
	ShutdownGracePeriod time.Duration

	// Optional Postgres DSN for the call-record store. Empty disables it.
	DBDSN string

	DebugMode bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("CALLBRIDGE_ADDR", ":8080"),
		ACSConnectionString:    strings.TrimSpace(os.Getenv("ACS_CONNECTION_STRING")),
		RealtimeEndpoint:       strings.TrimSpace(os.Getenv("AZURE_OPENAI_ENDPOINT")),
		RealtimeKey:            strings.TrimSpace(os.Getenv("AZURE_OPENAI_KEY")),
		RealtimeDeployment:     strings.TrimSpace(os.Getenv("AZURE_OPENAI_MODEL_DEPLOYMENT")),
		AdditionalInstructions: strings.TrimSpace(os.Getenv("CALLBRIDGE_ADDITIONAL_INSTRUCTIONS")),
		Voice:                  envOr("CALLBRIDGE_VOICE", "alloy"),
		VADThreshold:           envFloat64Or("CALLBRIDGE_VAD_THRESHOLD", 0.8),
		VADPrefixPadding:       envDurationOr("CALLBRIDGE_VAD_PREFIX_PADDING", 400*time.Millisecond),
		VADSilenceDuration:     envDurationOr("CALLBRIDGE_VAD_SILENCE_DURATION", 700*time.Millisecond),
		Temperature:            envFloat64Or("CALLBRIDGE_TEMPERATURE", 0.7),
		MaxResponseTokens:      envIntOr("CALLBRIDGE_MAX_RESPONSE_TOKENS", 800),
		HangUpGracePeriod:      envDurationOr("CALLBRIDGE_HANGUP_GRACE_PERIOD", 3*time.Second),
		WSWriteTimeout:         envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:      envInt64Or("CALLBRIDGE_WS_MAX_MESSAGE_BYTES", 1<<20),
		ModelDialTimeout:       envDurationOr("CALLBRIDGE_MODEL_DIAL_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		DBDSN:                  strings.TrimSpace(os.Getenv("CALLBRIDGE_DB_DSN")),
		DebugMode:              envBoolOr("DEBUG_MODE", false),
	}

	cfg.Hostname = resolveHostname()
	if cfg.Hostname == "" {
		return Config{}, fmt.Errorf("hostname is not configured: set HOSTNAME or the container app DNS variables")
	}

	if cfg.ACSConnectionString == "" {
		return Config{}, fmt.Errorf("ACS_CONNECTION_STRING must be set")
	}
	if cfg.RealtimeEndpoint == "" {
		return Config{}, fmt.Errorf("AZURE_OPENAI_ENDPOINT must be set")
	}
	if cfg.RealtimeKey == "" {
		return Config{}, fmt.Errorf("AZURE_OPENAI_KEY must be set")
	}
	if cfg.RealtimeDeployment == "" {
		return Config{}, fmt.Errorf("AZURE_OPENAI_MODEL_DEPLOYMENT must be set")
	}

	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_THRESHOLD must be in [0, 1]")
	}
	if cfg.VADPrefixPadding < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_PREFIX_PADDING must be >= 0")
	}
	if cfg.VADSilenceDuration <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_SILENCE_DURATION must be > 0")
	}
	if cfg.Temperature < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TEMPERATURE must be >= 0")
	}
	if cfg.MaxResponseTokens <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_RESPONSE_TOKENS must be > 0")
	}
	if cfg.HangUpGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_HANGUP_GRACE_PERIOD must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ModelDialTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MODEL_DIAL_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// TransportURL is the media websocket address the call platform streams to.
func (c Config) TransportURL() string {
	return "wss://" + c.Hostname + "/ws"
}

// CallbackURL is the base address for call lifecycle callbacks.
func (c Config) CallbackURL() string {
	return "https://" + c.Hostname + "/api/callbacks"
}

// resolveHostname prefers the container-platform derived name over a plain
// HOSTNAME so the bridge advertises a routable address when deployed there.
func resolveHostname() string {
	if suffix := strings.TrimSpace(os.Getenv("CONTAINER_APP_ENV_DNS_SUFFIX")); suffix != "" {
		if app := strings.TrimSpace(os.Getenv("CONTAINER_APP_NAME")); app != "" {
			return app + "." + suffix
		}
	}
	return strings.TrimSpace(os.Getenv("HOSTNAME"))
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
