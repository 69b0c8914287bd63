// Package relay is the heart of the bridge: one Session per call, pumping
// media frames from the call platform into the speech model and model events
// back out as call instructions.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callbridge-ai/callbridge/pkg/bridge/acs"
	"github.com/callbridge-ai/callbridge/pkg/bridge/metrics"
	"github.com/callbridge-ai/callbridge/pkg/bridge/realtime"
	"github.com/callbridge-ai/callbridge/pkg/bridge/store"
)

// TurnState tracks whose turn it is on the voice channel.
type TurnState int

const (
	StateIdle TurnState = iota
	StateModelConfigured
	StateUserSpeaking
	StateModelSpeaking
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateModelConfigured:
		return "model_configured"
	case StateUserSpeaking:
		return "user_speaking"
	case StateModelSpeaking:
		return "model_speaking"
	default:
		return fmt.Sprintf("turn_state(%d)", int(s))
	}
}

// CallStream is the outbound half of the media websocket: instructions the
// bridge plays back into the call.
type CallStream interface {
	SendInstruction(data []byte) error
}

// Config carries the model session parameters. Zero values fall back to the
// platform defaults in New.
type Config struct {
	AdditionalInstructions string
	Voice                  string
	VADThreshold           float64
	VADPrefixPadding       time.Duration
	VADSilenceDuration     time.Duration
	Temperature            float64
	MaxResponseTokens      int
	HangUpGracePeriod      time.Duration
}

type Dependencies struct {
	CallID       string
	CallerNumber string
	Dialer       realtime.Dialer
	Call         acs.CallConnection // nil for streams without an answered call
	Recorder     store.Recorder
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Config       Config
	Now          func() time.Time
}

// Session owns one call: the exclusive call stream handle, the exclusive
// model channel handle (opened lazily on the first metadata frame), and the
// turn state between them.
type Session struct {
	callID       string
	callerNumber string
	dialer       realtime.Dialer
	call         acs.CallConnection
	rec          store.Recorder
	met          *metrics.Metrics
	logger       *slog.Logger
	cfg          Config
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stream      CallStream
	channel     realtime.Channel
	configured  bool
	state       TurnState
	pendingCall string
	pendingName string
	endReason   string

	hangUpOnce   sync.Once
	teardownOnce sync.Once
	done         chan struct{}
	startedAt    time.Time
}

func New(deps Dependencies) (*Session, error) {
	if deps.CallID == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("model channel dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = store.NopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.Voice == "" {
		deps.Config.Voice = "alloy"
	}
	if deps.Config.VADThreshold <= 0 {
		deps.Config.VADThreshold = 0.8
	}
	if deps.Config.VADPrefixPadding <= 0 {
		deps.Config.VADPrefixPadding = 400 * time.Millisecond
	}
	if deps.Config.VADSilenceDuration <= 0 {
		deps.Config.VADSilenceDuration = 700 * time.Millisecond
	}
	if deps.Config.Temperature <= 0 {
		deps.Config.Temperature = 0.7
	}
	if deps.Config.MaxResponseTokens <= 0 {
		deps.Config.MaxResponseTokens = 800
	}
	if deps.Config.HangUpGracePeriod <= 0 {
		deps.Config.HangUpGracePeriod = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		callID:       deps.CallID,
		callerNumber: deps.CallerNumber,
		dialer:       deps.Dialer,
		call:         deps.Call,
		rec:          deps.Recorder,
		met:          deps.Metrics,
		logger:       deps.Logger.With("call_id", deps.CallID),
		cfg:          deps.Config,
		now:          deps.Now,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		done:         make(chan struct{}),
		startedAt:    deps.Now(),
	}
	s.met.ObserveSessionStart()
	return s, nil
}

// AttachStream hands the session the outbound half of the media websocket.
// Must be called before the first frame is relayed.
func (s *Session) AttachStream(stream CallStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *Session) CallID() string { return s.callID }

// State reports the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the model-event consumer has exited. It never closes
// for sessions whose model channel was never opened.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleFrame processes one inbound media websocket message. It is called
// from the websocket read loop only.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	frame, err := acs.DecodeStreamFrame(data)
	if err != nil {
		return fmt.Errorf("decode stream frame: %w", err)
	}

	switch f := frame.(type) {
	case acs.AudioMetadata:
		s.met.ObserveStreamFrame(acs.FrameKindAudioMetadata)
		return s.handleMetadata(ctx, f)
	case acs.AudioData:
		s.met.ObserveStreamFrame(acs.FrameKindAudioData)
		return s.handleAudio(ctx, f)
	case acs.UnknownFrame:
		s.met.ObserveStreamFrame("unknown")
		s.logger.Debug("dropping unknown stream frame", "kind", f.Kind)
		return nil
	default:
		return fmt.Errorf("unexpected stream frame type %T", frame)
	}
}

// handleMetadata opens and configures the model channel exactly once. A
// repeated metadata frame must not reconfigure the session or start a second
// consumer.
func (s *Session) handleMetadata(ctx context.Context, meta acs.AudioMetadata) error {
	s.mu.Lock()
	if s.configured {
		s.mu.Unlock()
		s.logger.Warn("ignoring repeated audio metadata", "subscription_id", meta.SubscriptionID)
		return nil
	}
	s.configured = true
	s.mu.Unlock()

	s.logger.Debug("received audio metadata",
		"subscription_id", meta.SubscriptionID,
		"encoding", meta.Encoding,
		"sample_rate", meta.SampleRate,
		"channels", meta.Channels)

	channel, err := s.dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.configured = false
		s.mu.Unlock()
		return fmt.Errorf("open model channel: %w", err)
	}

	update := realtime.NewSessionUpdate(realtime.SessionParams{
		Instructions: SystemPrompt(s.cfg.AdditionalInstructions),
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         s.cfg.VADThreshold,
			PrefixPaddingMS:   int(s.cfg.VADPrefixPadding / time.Millisecond),
			SilenceDurationMS: int(s.cfg.VADSilenceDuration / time.Millisecond),
		},
		Voice:                   s.cfg.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &realtime.InputAudioTranscription{Model: "whisper-1"},
		Temperature:             s.cfg.Temperature,
		MaxResponseOutputTokens: s.cfg.MaxResponseTokens,
		ToolChoice:              "auto",
		Tools:                   sessionTools(),
	})
	if err := channel.Send(ctx, update); err != nil {
		_ = channel.Close()
		s.mu.Lock()
		s.configured = false
		s.mu.Unlock()
		return fmt.Errorf("configure model session: %w", err)
	}
	if err := channel.Send(ctx, realtime.NewResponseCreate(greetingInstructions)); err != nil {
		_ = channel.Close()
		s.mu.Lock()
		s.configured = false
		s.mu.Unlock()
		return fmt.Errorf("request greeting: %w", err)
	}

	s.mu.Lock()
	s.channel = channel
	s.state = StateModelConfigured
	s.mu.Unlock()

	if err := s.rec.StartCall(ctx, s.callID, s.callerNumber, s.now()); err != nil {
		s.logger.Error("failed to record call start", "error", err)
	}

	go s.consume()
	return nil
}

func (s *Session) handleAudio(ctx context.Context, audio acs.AudioData) error {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel == nil {
		s.logger.Debug("dropping audio before metadata")
		return nil
	}
	if audio.Silent {
		s.logger.Debug("received silent audio", "timestamp", audio.Timestamp)
	}
	if err := channel.Send(ctx, realtime.NewInputAudioBufferAppend(audio.Data)); err != nil {
		return fmt.Errorf("forward caller audio: %w", err)
	}
	return nil
}

// consume is the per-session model-event loop. It runs until the channel
// closes or the session context is canceled, then tears the session down.
func (s *Session) consume() {
	defer close(s.done)
	defer s.Teardown()

	for {
		event, err := s.channel.Recv(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("model channel closed", "error", err)
			}
			return
		}
		if err := s.handleModelEvent(event); err != nil {
			s.logger.Error("failed to handle model event", "error", err)
			return
		}
	}
}

func (s *Session) handleModelEvent(event any) error {
	switch ev := event.(type) {
	case realtime.SessionCreated:
		s.met.ObserveModelEvent("session.created")
		s.logger.Debug("model session created", "event_id", ev.EventID, "session_id", ev.Session.ID)
	case realtime.SessionUpdated:
		s.met.ObserveModelEvent("session.updated")
		s.logger.Debug("model session updated", "event_id", ev.EventID, "session_id", ev.Session.ID)
	case realtime.ErrorEvent:
		s.met.ObserveModelEvent("error")
		s.logger.Error("model channel error",
			"event_id", ev.EventID,
			"code", ev.Error.Code,
			"message", ev.Error.Message)
	case realtime.ResponseDone:
		s.met.ObserveModelEvent("response.done")
		s.logger.Debug("response done",
			"event_id", ev.EventID,
			"status", ev.Response.Status,
			"input_tokens", ev.Response.Usage.InputTokens,
			"output_tokens", ev.Response.Usage.OutputTokens,
			"total_tokens", ev.Response.Usage.TotalTokens)
		s.mu.Lock()
		if s.state == StateModelSpeaking {
			s.state = StateIdle
		}
		s.pendingCall = ""
		s.pendingName = ""
		s.mu.Unlock()
	case realtime.SpeechStarted:
		s.met.ObserveModelEvent("input_audio_buffer.speech_started")
		s.logger.Debug("voice activity started", "audio_start_ms", ev.AudioStartMS)
		return s.onSpeechStarted()
	case realtime.ResponseAudioDelta:
		s.met.ObserveModelEvent("response.audio.delta")
		return s.onAudioDelta(ev)
	case realtime.InputTranscriptionCompleted:
		s.met.ObserveModelEvent("conversation.item.input_audio_transcription.completed")
		s.logger.Info("caller said", "transcript", ev.Transcript)
		if err := s.rec.AppendUtterance(s.ctx, s.callID, "caller", ev.Transcript, s.now()); err != nil {
			s.logger.Error("failed to record caller transcript", "error", err)
		}
	case realtime.ResponseTranscriptDone:
		s.met.ObserveModelEvent("response.audio_transcript.done")
		s.logger.Info("assistant said", "transcript", ev.Transcript)
		if err := s.rec.AppendUtterance(s.ctx, s.callID, "assistant", ev.Transcript, s.now()); err != nil {
			s.logger.Error("failed to record assistant transcript", "error", err)
		}
	case realtime.FunctionCallArgumentsDone:
		s.met.ObserveModelEvent("response.function_call_arguments.done")
		return s.dispatchTool(ev)
	case realtime.SpeechStopped:
		s.met.ObserveModelEvent("input_audio_buffer.speech_stopped")
	case realtime.InputAudioBufferCleared:
		s.met.ObserveModelEvent("input_audio_buffer.cleared")
	case realtime.InputTranscriptionFailed:
		s.met.ObserveModelEvent("conversation.item.input_audio_transcription.failed")
		s.logger.Warn("caller transcription failed", "message", ev.Error.Message)
	case realtime.ResponseOutputItemDone:
		s.met.ObserveModelEvent("response.output_item.done")
	case realtime.UnknownEvent:
		s.met.ObserveModelEvent("unknown")
		s.logger.Debug("ignoring unknown model event", "type", ev.Type)
	default:
		s.logger.Debug("ignoring unexpected model event", "type", fmt.Sprintf("%T", event))
	}
	return nil
}

// onSpeechStarted handles barge-in. StopAudio goes out on every
// speech-started event, even mid-response, so stale playback is flushed
// before any further deltas reach the call.
func (s *Session) onSpeechStarted() error {
	s.mu.Lock()
	interrupted := s.state == StateModelSpeaking
	s.state = StateUserSpeaking
	s.mu.Unlock()

	if interrupted {
		s.met.ObserveBargeIn()
		s.logger.Debug("caller interrupted model speech")
	}

	data, err := acs.EncodeStopAudio()
	if err != nil {
		return fmt.Errorf("encode stop audio: %w", err)
	}
	if err := s.sendInstruction(data); err != nil {
		return fmt.Errorf("send stop audio: %w", err)
	}
	s.met.ObserveInstruction("StopAudio")
	return nil
}

func (s *Session) onAudioDelta(ev realtime.ResponseAudioDelta) error {
	s.mu.Lock()
	s.state = StateModelSpeaking
	s.mu.Unlock()

	data, err := acs.EncodeAudioData(ev.Delta)
	if err != nil {
		return fmt.Errorf("encode audio delta: %w", err)
	}
	if err := s.sendInstruction(data); err != nil {
		return fmt.Errorf("send audio delta: %w", err)
	}
	s.met.ObserveInstruction("AudioData")
	return nil
}

func (s *Session) sendInstruction(data []byte) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		s.logger.Debug("dropping instruction without attached stream")
		return nil
	}
	return stream.SendInstruction(data)
}

// hangUp disconnects the call for everyone. Guarded so the grace timer and a
// racing teardown cannot make it fire twice.
func (s *Session) hangUp(reason string) {
	s.hangUpOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		s.mu.Unlock()
		if s.call == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.call.HangUp(ctx, true); err != nil {
			s.logger.Error("failed to hang up call", "error", err)
			return
		}
		s.logger.Info("hung up call", "reason", reason)
	})
}

// Teardown releases both handles. Safe to call from any goroutine, any
// number of times.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		channel := s.channel
		configured := s.configured
		reason := s.endReason
		s.mu.Unlock()
		if reason == "" {
			reason = "stream closed"
		}

		if channel != nil {
			if err := channel.Close(); err != nil {
				s.logger.Debug("model channel close", "error", err)
			}
		}
		if s.call != nil {
			if err := s.call.Close(); err != nil {
				s.logger.Debug("call connection close", "error", err)
			}
		}
		if configured {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.rec.EndCall(ctx, s.callID, reason, s.now()); err != nil {
				s.logger.Error("failed to record call end", "error", err)
			}
		}
		s.met.ObserveSessionEnd()
		s.logger.Info("session ended", "reason", reason, "duration", s.now().Sub(s.startedAt))
	})
}
