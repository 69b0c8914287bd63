// Package realtime is the speech-model collaborator: typed messages for the
// model channel, the server-event union, and a websocket client speaking the
// realtime protocol.
package realtime

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// Tool declares one callable function to the model.
type Tool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type SessionParams struct {
	Instructions            string                   `json:"instructions,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                      `json:"max_response_output_tokens,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	Tools                   []Tool                   `json:"tools,omitempty"`
}

// SessionUpdate is the session-configure message.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

func NewSessionUpdate(params SessionParams) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: params}
}

type ResponseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// ResponseCreate asks the model to produce a response turn.
type ResponseCreate struct {
	Type     string          `json:"type"`
	Response *ResponseParams `json:"response,omitempty"`
}

func NewResponseCreate(instructions string) ResponseCreate {
	msg := ResponseCreate{Type: "response.create"}
	if instructions != "" {
		msg.Response = &ResponseParams{Instructions: instructions}
	}
	return msg
}

// InputAudioBufferAppend forwards one chunk of caller audio.
type InputAudioBufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewInputAudioBufferAppend(audio string) InputAudioBufferAppend {
	return InputAudioBufferAppend{Type: "input_audio_buffer.append", Audio: audio}
}

// FunctionCallOutputItem returns a tool result into the conversation.
type FunctionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type ItemCreate struct {
	Type string                 `json:"type"`
	Item FunctionCallOutputItem `json:"item"`
}

func NewFunctionCallOutput(callID, output string) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: FunctionCallOutputItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}
