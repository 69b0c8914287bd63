package acs

import (
	"encoding/json"
	"testing"
)

func TestDecodeStreamFrame_AudioMetadata(t *testing.T) {
	raw := []byte(`{"kind":"AudioMetadata","audioMetadata":{"subscriptionId":"sub-1","encoding":"PCM","sampleRate":16000,"channels":1,"length":640}}`)

	frame, err := DecodeStreamFrame(raw)
	if err != nil {
		t.Fatalf("DecodeStreamFrame: %v", err)
	}
	meta, ok := frame.(AudioMetadata)
	if !ok {
		t.Fatalf("frame=%T, want AudioMetadata", frame)
	}
	if meta.SampleRate != 16000 || meta.Channels != 1 || meta.Encoding != "PCM" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestDecodeStreamFrame_AudioData(t *testing.T) {
	raw := []byte(`{"kind":"AudioData","audioData":{"data":"cGNtLWJ5dGVz","timestamp":"2024-01-01T12:00:00Z","silent":true}}`)

	frame, err := DecodeStreamFrame(raw)
	if err != nil {
		t.Fatalf("DecodeStreamFrame: %v", err)
	}
	audio, ok := frame.(AudioData)
	if !ok {
		t.Fatalf("frame=%T, want AudioData", frame)
	}
	if audio.Data != "cGNtLWJ5dGVz" {
		t.Fatalf("Data=%q", audio.Data)
	}
	if !audio.Silent {
		t.Fatalf("Silent=false, want true")
	}
}

func TestDecodeStreamFrame_UnknownKind(t *testing.T) {
	raw := []byte(`{"kind":"DtmfData","dtmfData":{"data":"5"}}`)

	frame, err := DecodeStreamFrame(raw)
	if err != nil {
		t.Fatalf("DecodeStreamFrame: %v", err)
	}
	unknown, ok := frame.(UnknownFrame)
	if !ok {
		t.Fatalf("frame=%T, want UnknownFrame", frame)
	}
	if unknown.Kind != "DtmfData" {
		t.Fatalf("Kind=%q, want DtmfData", unknown.Kind)
	}
}

func TestDecodeStreamFrame_Malformed(t *testing.T) {
	if _, err := DecodeStreamFrame([]byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
	if _, err := DecodeStreamFrame([]byte(`{"kind":"AudioData","audioData":{"timestamp":"t"}}`)); err == nil {
		t.Fatalf("expected error for audio data without payload")
	}
}

func TestEncodeStopAudio_ShapesInactiveKeyNull(t *testing.T) {
	raw, err := EncodeStopAudio()
	if err != nil {
		t.Fatalf("EncodeStopAudio: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded["Kind"]) != `"StopAudio"` {
		t.Fatalf("Kind=%s", decoded["Kind"])
	}
	if string(decoded["AudioData"]) != "null" {
		t.Fatalf("AudioData=%s, want null", decoded["AudioData"])
	}
	if string(decoded["StopAudio"]) != "{}" {
		t.Fatalf("StopAudio=%s, want {}", decoded["StopAudio"])
	}
}

func TestEncodeAudioData_ShapesInactiveKeyNull(t *testing.T) {
	raw, err := EncodeAudioData("ZGVsdGE=")
	if err != nil {
		t.Fatalf("EncodeAudioData: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded["Kind"]) != `"AudioData"` {
		t.Fatalf("Kind=%s", decoded["Kind"])
	}
	if string(decoded["StopAudio"]) != "null" {
		t.Fatalf("StopAudio=%s, want null", decoded["StopAudio"])
	}
	var audio OutboundAudioData
	if err := json.Unmarshal(decoded["AudioData"], &audio); err != nil {
		t.Fatalf("unmarshal AudioData: %v", err)
	}
	if audio.Data != "ZGVsdGE=" {
		t.Fatalf("Data=%q", audio.Data)
	}
}
