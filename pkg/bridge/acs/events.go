package acs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event names the bridge reacts to. Subscription validation arrives on the
// incoming-call webhook before any call exists; the rest are lifecycle
// callbacks scoped to an answered call.
const (
	EventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	EventIncomingCall           = "Microsoft.Communication.IncomingCall"
	EventCallConnected          = "Microsoft.Communication.CallConnected"
	EventCallDisconnected       = "Microsoft.Communication.CallDisconnected"
	EventMediaStreamingStopped  = "Microsoft.Communication.MediaStreamingStopped"
	EventParticipantsUpdated    = "Microsoft.Communication.ParticipantsUpdated"
)

// GridEvent is one entry of the event-grid envelope array posted to the
// incoming-call webhook.
type GridEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
}

// CallbackEvent is one entry of the lifecycle callback array. The callback
// contract uses "type" where the grid envelope uses "eventType".
type CallbackEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type SubscriptionValidationData struct {
	ValidationCode string `json:"validationCode"`
}

type CallParticipant struct {
	Kind        string `json:"kind"`
	RawID       string `json:"rawId"`
	PhoneNumber *struct {
		Value string `json:"value"`
	} `json:"phoneNumber,omitempty"`
}

type IncomingCallData struct {
	IncomingCallContext string          `json:"incomingCallContext"`
	CorrelationID       string          `json:"correlationId"`
	From                CallParticipant `json:"from"`
	To                  CallParticipant `json:"to"`
}

type CallbackData struct {
	CallConnectionID string `json:"callConnectionId"`
	CorrelationID    string `json:"correlationId"`
}

// ParseGridEvents decodes the webhook body into its envelope array.
func ParseGridEvents(body []byte) ([]GridEvent, error) {
	var events []GridEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	return events, nil
}

// ParseCallbackEvents decodes a lifecycle callback body.
func ParseCallbackEvents(body []byte) ([]CallbackEvent, error) {
	var events []CallbackEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("invalid callback envelope: %w", err)
	}
	return events, nil
}

// ValidationData extracts the handshake code from a subscription-validation
// event.
func (e GridEvent) ValidationData() (SubscriptionValidationData, error) {
	var data SubscriptionValidationData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return SubscriptionValidationData{}, fmt.Errorf("invalid validation data: %w", err)
	}
	if strings.TrimSpace(data.ValidationCode) == "" {
		return SubscriptionValidationData{}, fmt.Errorf("validation event without validationCode")
	}
	return data, nil
}

// IncomingCallData extracts the call context and participants from an
// incoming-call event.
func (e GridEvent) IncomingCallData() (IncomingCallData, error) {
	var data IncomingCallData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return IncomingCallData{}, fmt.Errorf("invalid incoming call data: %w", err)
	}
	if strings.TrimSpace(data.IncomingCallContext) == "" {
		return IncomingCallData{}, fmt.Errorf("incoming call event without incomingCallContext")
	}
	return data, nil
}

// CallbackData extracts the call connection id from a lifecycle callback.
func (e CallbackEvent) CallbackData() (CallbackData, error) {
	var data CallbackData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return CallbackData{}, fmt.Errorf("invalid callback data: %w", err)
	}
	return data, nil
}
