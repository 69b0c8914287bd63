package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

type SessionCreated struct {
	EventID string `json:"event_id"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

type SessionUpdated struct {
	EventID string `json:"event_id"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

type ErrorEvent struct {
	EventID string `json:"event_id"`
	Error   struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type ResponseUsage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ResponseDone struct {
	EventID  string `json:"event_id"`
	Response struct {
		ID     string        `json:"id"`
		Status string        `json:"status"`
		Usage  ResponseUsage `json:"usage"`
	} `json:"response"`
}

type SpeechStarted struct {
	EventID      string `json:"event_id"`
	AudioStartMS int64  `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type SpeechStopped struct {
	EventID    string `json:"event_id"`
	AudioEndMS int64  `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type InputAudioBufferCleared struct {
	EventID string `json:"event_id"`
}

type ResponseAudioDelta struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type InputTranscriptionCompleted struct {
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type InputTranscriptionFailed struct {
	EventID string `json:"event_id"`
	ItemID  string `json:"item_id"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

type ResponseTranscriptDone struct {
	EventID    string `json:"event_id"`
	Transcript string `json:"transcript"`
}

type FunctionCallArgumentsDone struct {
	EventID   string `json:"event_id"`
	ItemID    string `json:"item_id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ResponseOutputItemDone struct {
	EventID string          `json:"event_id"`
	Item    json.RawMessage `json:"item"`
}

// UnknownEvent preserves an event type the bridge does not dispatch on.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerEvent classifies one model-channel message by its type
// discriminator.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid server event: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("server event without type")
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("invalid %s event: %w", typ, err)
		}
		return v, nil
	}

	switch typ {
	case "session.created":
		var ev SessionCreated
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "session.updated":
		var ev SessionUpdated
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "error":
		var ev ErrorEvent
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "response.done":
		var ev ResponseDone
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "input_audio_buffer.speech_started":
		var ev SpeechStarted
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "input_audio_buffer.speech_stopped":
		var ev SpeechStopped
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "input_audio_buffer.cleared":
		var ev InputAudioBufferCleared
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "response.audio.delta":
		var ev ResponseAudioDelta
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "conversation.item.input_audio_transcription.completed":
		var ev InputTranscriptionCompleted
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "conversation.item.input_audio_transcription.failed":
		var ev InputTranscriptionFailed
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "response.audio_transcript.done":
		var ev ResponseTranscriptDone
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "response.function_call_arguments.done":
		var ev FunctionCallArgumentsDone
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "response.output_item.done":
		var ev ResponseOutputItemDone
		if _, err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
