package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/callbridge-ai/callbridge/pkg/bridge/realtime"
)

const (
	toolGetCurrentDateTime = "get_current_date_time"
	toolEndCall            = "end_call"
)

// callerZone is where call timestamps are rendered for the model. Falls back
// to a fixed offset when the tz database is unavailable.
var callerZone = loadCallerZone()

func loadCallerZone() *time.Location {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return loc
}

func sessionTools() []realtime.Tool {
	return []realtime.Tool{
		{
			Type:        "function",
			Name:        toolGetCurrentDateTime,
			Description: "Retrieve the date and time in ISO 8601 format for the current location of the user.",
		},
		{
			Type:        "function",
			Name:        toolEndCall,
			Description: "Can be used to stop / end the call with the user, when the user confirms you to do so or the conversation is over.",
		},
	}
}

// dispatchTool runs a model function call. At most one tool call may be
// outstanding; the slot clears when the follow-up response completes.
func (s *Session) dispatchTool(ev realtime.FunctionCallArgumentsDone) error {
	s.mu.Lock()
	if s.pendingName != "" {
		pending := s.pendingName
		s.mu.Unlock()
		s.logger.Warn("rejecting function call while another is pending",
			"name", ev.Name, "pending", pending)
		s.met.ObserveToolDispatch(ev.Name, "rejected")
		return nil
	}
	switch ev.Name {
	case toolGetCurrentDateTime, toolEndCall:
		s.pendingCall = ev.CallID
		s.pendingName = ev.Name
	}
	s.mu.Unlock()

	s.logger.Debug("function called", "name", ev.Name, "call_id", ev.CallID, "arguments", ev.Arguments)

	switch ev.Name {
	case toolGetCurrentDateTime:
		return s.runGetCurrentDateTime(ev)
	case toolEndCall:
		return s.runEndCall()
	default:
		s.logger.Warn("dropping unknown function call", "name", ev.Name)
		s.met.ObserveToolDispatch(ev.Name, "unknown")
		return nil
	}
}

func (s *Session) runGetCurrentDateTime(ev realtime.FunctionCallArgumentsDone) error {
	result := s.now().In(callerZone).Format(time.RFC3339)
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode function output: %w", err)
	}

	if err := s.channel.Send(s.ctx, realtime.NewFunctionCallOutput(ev.CallID, string(output))); err != nil {
		return fmt.Errorf("send function output: %w", err)
	}
	// Adding the output does not trigger a model response on its own.
	if err := s.channel.Send(s.ctx, realtime.NewResponseCreate("")); err != nil {
		return fmt.Errorf("request function response: %w", err)
	}
	s.met.ObserveToolDispatch(toolGetCurrentDateTime, "ok")
	return nil
}

func (s *Session) runEndCall() error {
	if err := s.channel.Send(s.ctx, realtime.NewResponseCreate("")); err != nil {
		return fmt.Errorf("request farewell response: %w", err)
	}

	// Give the farewell time to play out before dropping the line.
	timer := time.NewTimer(s.cfg.HangUpGracePeriod)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
	}

	s.hangUp("assistant ended call")
	s.met.ObserveToolDispatch(toolEndCall, "ok")
	s.Teardown()
	return nil
}
