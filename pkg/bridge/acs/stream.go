// Package acs holds the call-platform collaborators: the webhook event
// envelopes, the call automation client, and the media-stream frame codec.
package acs

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	FrameKindAudioMetadata = "AudioMetadata"
	FrameKindAudioData     = "AudioData"
)

// AudioMetadata describes the negotiated media format. The platform sends it
// once when the stream opens.
type AudioMetadata struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
	Length         int    `json:"length"`
}

// AudioData carries one inbound audio chunk. Data is base64 PCM as received;
// it is forwarded to the model channel without decoding.
type AudioData struct {
	Data             string `json:"data"`
	Timestamp        string `json:"timestamp"`
	ParticipantRawID string `json:"participantRawID,omitempty"`
	Silent           bool   `json:"silent"`
}

// UnknownFrame preserves a frame whose kind the bridge does not handle.
type UnknownFrame struct {
	Kind string
	Raw  json.RawMessage
}

// DecodeStreamFrame classifies one inbound media websocket message into
// AudioMetadata, AudioData, or UnknownFrame.
func DecodeStreamFrame(data []byte) (any, error) {
	var envelope struct {
		Kind          string          `json:"kind"`
		AudioMetadata json.RawMessage `json:"audioMetadata"`
		AudioData     json.RawMessage `json:"audioData"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid stream frame: %w", err)
	}

	switch strings.TrimSpace(envelope.Kind) {
	case FrameKindAudioMetadata:
		var meta AudioMetadata
		if err := json.Unmarshal(envelope.AudioMetadata, &meta); err != nil {
			return nil, fmt.Errorf("invalid audioMetadata payload: %w", err)
		}
		return meta, nil
	case FrameKindAudioData:
		var audio AudioData
		if err := json.Unmarshal(envelope.AudioData, &audio); err != nil {
			return nil, fmt.Errorf("invalid audioData payload: %w", err)
		}
		if audio.Data == "" {
			return nil, fmt.Errorf("audioData.data is required")
		}
		return audio, nil
	default:
		return UnknownFrame{Kind: envelope.Kind, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Outbound instructions. The platform expects both payload keys on every
// instruction, with the inactive one null.

type OutboundAudioData struct {
	Data string `json:"Data"`
}

type outboundInstruction struct {
	Kind      string             `json:"Kind"`
	AudioData *OutboundAudioData `json:"AudioData"`
	StopAudio *struct{}          `json:"StopAudio"`
}

// EncodeStopAudio builds the instruction that tells the platform to flush and
// stop any audio it is currently playing.
func EncodeStopAudio() ([]byte, error) {
	return json.Marshal(outboundInstruction{
		Kind:      "StopAudio",
		AudioData: nil,
		StopAudio: &struct{}{},
	})
}

// EncodeAudioData builds the instruction carrying one chunk of synthesized
// audio back to the call.
func EncodeAudioData(data string) ([]byte, error) {
	return json.Marshal(outboundInstruction{
		Kind:      "AudioData",
		AudioData: &OutboundAudioData{Data: data},
		StopAudio: nil,
	})
}
