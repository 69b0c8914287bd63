package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callbridge-ai/callbridge/pkg/bridge/realtime"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   []any
	events chan any
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan any, 64)}
}

func (c *fakeChannel) Send(_ context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Recv(ctx context.Context) (any, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return nil, errors.New("channel closed by peer")
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) sentMessages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	channel *fakeChannel
	dials   int
	err     error
}

func (d *fakeDialer) Dial(context.Context) (realtime.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.channel, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type instruction struct {
	Kind      string
	AudioData *struct {
		Data string
	}
	StopAudio *struct{}
}

type fakeStream struct {
	mu           sync.Mutex
	instructions []instruction
}

func (s *fakeStream) SendInstruction(data []byte) error {
	var inst instruction
	if err := json.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("malformed instruction: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = append(s.instructions, inst)
	return nil
}

func (s *fakeStream) sent() []instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]instruction, len(s.instructions))
	copy(out, s.instructions)
	return out
}

type fakeCall struct {
	mu          sync.Mutex
	hangUps     int
	forEveryone bool
	closes      int
}

func (c *fakeCall) ID() string { return "conn-1" }

func (c *fakeCall) HangUp(_ context.Context, forEveryone bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangUps++
	c.forEveryone = forEveryone
	return nil
}

func (c *fakeCall) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeCall) hangUpCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangUps
}

type utterance struct {
	role string
	text string
}

type fakeRecorder struct {
	mu         sync.Mutex
	started    int
	ended      int
	endReason  string
	utterances []utterance
}

func (r *fakeRecorder) StartCall(_ context.Context, _, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return nil
}

func (r *fakeRecorder) EndCall(_ context.Context, _, reason string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	r.endReason = reason
	return nil
}

func (r *fakeRecorder) AppendUtterance(_ context.Context, _, role, transcript string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utterances = append(r.utterances, utterance{role: role, text: transcript})
	return nil
}

func (r *fakeRecorder) Close() {}

type harness struct {
	session *Session
	channel *fakeChannel
	dialer  *fakeDialer
	stream  *fakeStream
	call    *fakeCall
	rec     *fakeRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		channel: newFakeChannel(),
		stream:  &fakeStream{},
		call:    &fakeCall{},
		rec:     &fakeRecorder{},
	}
	h.dialer = &fakeDialer{channel: h.channel}

	s, err := New(Dependencies{
		CallID:   "conn-1",
		Dialer:   h.dialer,
		Call:     h.call,
		Recorder: h.rec,
		Config:   cfg,
		Now: func() time.Time {
			return time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.AttachStream(h.stream)
	h.session = s
	t.Cleanup(s.Teardown)
	return h
}

func metadataFrame() []byte {
	return []byte(`{"kind":"AudioMetadata","audioMetadata":{"subscriptionId":"sub-1","encoding":"PCM","sampleRate":16000,"channels":1,"length":640}}`)
}

func audioFrame(data string) []byte {
	return []byte(fmt.Sprintf(`{"kind":"AudioData","audioData":{"data":%q,"timestamp":"2024-01-01T11:00:00Z","silent":false}}`, data))
}

// finish closes the model channel and waits for the consumer to exit.
func (h *harness) finish(t *testing.T) {
	t.Helper()
	close(h.channel.events)
	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not exit")
	}
}

func TestAudioBeforeMetadataIsDropped(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.session.HandleFrame(context.Background(), audioFrame("AAAA")); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if got := h.dialer.dialCount(); got != 0 {
		t.Fatalf("dials = %d, want 0", got)
	}
	if got := len(h.channel.sentMessages()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
}

func TestMetadataConfiguresSessionOnce(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame metadata: %v", err)
	}
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame repeated metadata: %v", err)
	}

	if got := h.dialer.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	sent := h.channel.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2 (session.update + response.create)", len(sent))
	}

	update, ok := sent[0].(realtime.SessionUpdate)
	if !ok {
		t.Fatalf("first message is %T, want SessionUpdate", sent[0])
	}
	if update.Type != "session.update" {
		t.Errorf("update type = %q", update.Type)
	}
	if update.Session.Voice != "alloy" {
		t.Errorf("voice = %q, want alloy", update.Session.Voice)
	}
	if update.Session.TurnDetection == nil {
		t.Fatal("turn detection missing")
	}
	if got := update.Session.TurnDetection.Threshold; got != 0.8 {
		t.Errorf("vad threshold = %v, want 0.8", got)
	}
	if got := update.Session.TurnDetection.PrefixPaddingMS; got != 400 {
		t.Errorf("prefix padding = %d, want 400", got)
	}
	if got := update.Session.TurnDetection.SilenceDurationMS; got != 700 {
		t.Errorf("silence duration = %d, want 700", got)
	}
	if update.Session.InputAudioFormat != "pcm16" || update.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q, want pcm16/pcm16",
			update.Session.InputAudioFormat, update.Session.OutputAudioFormat)
	}
	if update.Session.InputAudioTranscription == nil || update.Session.InputAudioTranscription.Model != "whisper-1" {
		t.Errorf("input transcription = %+v, want whisper-1", update.Session.InputAudioTranscription)
	}
	if got := update.Session.Temperature; got != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got)
	}
	if got := update.Session.MaxResponseOutputTokens; got != 800 {
		t.Errorf("max tokens = %d, want 800", got)
	}
	if got := update.Session.ToolChoice; got != "auto" {
		t.Errorf("tool choice = %q, want auto", got)
	}
	if len(update.Session.Tools) != 2 ||
		update.Session.Tools[0].Name != "get_current_date_time" ||
		update.Session.Tools[1].Name != "end_call" {
		t.Errorf("tools = %+v", update.Session.Tools)
	}

	create, ok := sent[1].(realtime.ResponseCreate)
	if !ok {
		t.Fatalf("second message is %T, want ResponseCreate", sent[1])
	}
	if create.Response == nil || create.Response.Instructions != "Introduce yourself briefly." {
		t.Errorf("greeting = %+v", create.Response)
	}

	if got := h.session.State(); got != StateModelConfigured {
		t.Errorf("state = %v, want model_configured", got)
	}
	h.finish(t)
}

func TestSystemPromptCarriesAdditionalInstructions(t *testing.T) {
	h := newHarness(t, Config{AdditionalInstructions: "The caller's name is Sam."})

	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	update := h.channel.sentMessages()[0].(realtime.SessionUpdate)
	if instr := update.Session.Instructions; !strings.Contains(instr, "The caller's name is Sam.") {
		t.Errorf("instructions missing additions: %q", instr)
	}
	if instr := update.Session.Instructions; !strings.Contains(instr, "get_current_date_time") {
		t.Errorf("instructions missing tool summary: %q", instr)
	}
	h.finish(t)
}

func TestAudioForwardedToModel(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame metadata: %v", err)
	}
	if err := h.session.HandleFrame(context.Background(), audioFrame("cGNtMTY=")); err != nil {
		t.Fatalf("HandleFrame audio: %v", err)
	}

	sent := h.channel.sentMessages()
	last := sent[len(sent)-1]
	appendMsg, ok := last.(realtime.InputAudioBufferAppend)
	if !ok {
		t.Fatalf("last message is %T, want InputAudioBufferAppend", last)
	}
	if appendMsg.Audio != "cGNtMTY=" {
		t.Errorf("audio = %q", appendMsg.Audio)
	}
	h.finish(t)
}

func TestSpeechStartedSendsStopAudio(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.SpeechStarted{AudioStartMS: 120}
	h.finish(t)

	instructions := h.stream.sent()
	if len(instructions) != 1 {
		t.Fatalf("got %d instructions, want 1", len(instructions))
	}
	if instructions[0].Kind != "StopAudio" {
		t.Errorf("kind = %q, want StopAudio", instructions[0].Kind)
	}
	if instructions[0].StopAudio == nil {
		t.Error("StopAudio payload missing")
	}
	if instructions[0].AudioData != nil {
		t.Error("AudioData should be null on a StopAudio instruction")
	}
}

func TestBargeInOrdering(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.ResponseAudioDelta{Delta: "one"}
	h.channel.events <- realtime.ResponseAudioDelta{Delta: "two"}
	h.channel.events <- realtime.SpeechStarted{AudioStartMS: 800}
	h.channel.events <- realtime.ResponseAudioDelta{Delta: "three"}
	h.finish(t)

	instructions := h.stream.sent()
	kinds := make([]string, len(instructions))
	for i, inst := range instructions {
		kinds[i] = inst.Kind
	}
	want := []string{"AudioData", "AudioData", "StopAudio", "AudioData"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestAudioDeltasPreserveOrder(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	for _, delta := range []string{"a", "b", "c"} {
		h.channel.events <- realtime.ResponseAudioDelta{Delta: delta}
	}
	h.finish(t)

	instructions := h.stream.sent()
	if len(instructions) != 3 {
		t.Fatalf("got %d instructions, want 3", len(instructions))
	}
	for i, want := range []string{"a", "b", "c"} {
		if instructions[i].AudioData == nil || instructions[i].AudioData.Data != want {
			t.Fatalf("instruction %d = %+v, want data %q", i, instructions[i], want)
		}
	}
}

func TestResponseDoneReturnsToIdle(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.ResponseAudioDelta{Delta: "x"}
	h.channel.events <- realtime.ResponseDone{}
	h.finish(t)

	if got := h.session.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestGetCurrentDateTime(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.FunctionCallArgumentsDone{
		CallID: "fn-1",
		Name:   "get_current_date_time",
	}
	h.finish(t)

	sent := h.channel.sentMessages()
	// session.update, response.create, then the function output + follow-up.
	if len(sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(sent))
	}
	item, ok := sent[2].(realtime.ItemCreate)
	if !ok {
		t.Fatalf("third message is %T, want ItemCreate", sent[2])
	}
	if item.Item.CallID != "fn-1" {
		t.Errorf("call id = %q, want fn-1", item.Item.CallID)
	}
	// Fixed clock, 11:00 UTC on January 1st: Amsterdam is UTC+1.
	if want := `"2024-01-01T12:00:00+01:00"`; item.Item.Output != want {
		t.Errorf("output = %s, want %s", item.Item.Output, want)
	}
	followUp, ok := sent[3].(realtime.ResponseCreate)
	if !ok {
		t.Fatalf("fourth message is %T, want ResponseCreate", sent[3])
	}
	if followUp.Response != nil {
		t.Errorf("follow-up response params = %+v, want none", followUp.Response)
	}
}

func TestEndCallHangsUpForEveryoneOnce(t *testing.T) {
	h := newHarness(t, Config{HangUpGracePeriod: 10 * time.Millisecond})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.FunctionCallArgumentsDone{
		CallID: "fn-2",
		Name:   "end_call",
	}
	h.finish(t)

	// A farewell turn is requested before the line drops.
	sent := h.channel.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	if _, ok := sent[2].(realtime.ResponseCreate); !ok {
		t.Fatalf("third message is %T, want ResponseCreate", sent[2])
	}

	if got := h.call.hangUpCount(); got != 1 {
		t.Fatalf("hang ups = %d, want 1", got)
	}
	if !h.call.forEveryone {
		t.Error("hang up should be for everyone")
	}

	// Racing teardown after end_call must not hang up again.
	h.session.Teardown()
	if got := h.call.hangUpCount(); got != 1 {
		t.Fatalf("hang ups after teardown = %d, want 1", got)
	}
}

func TestUnknownFunctionIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.FunctionCallArgumentsDone{
		CallID: "fn-3",
		Name:   "open_pod_bay_doors",
	}
	h.finish(t)

	if got := len(h.channel.sentMessages()); got != 2 {
		t.Fatalf("sent %d messages, want only the configure pair", got)
	}
	if got := h.call.hangUpCount(); got != 0 {
		t.Fatalf("hang ups = %d, want 0", got)
	}
}

func TestSecondFunctionCallWhilePendingIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.FunctionCallArgumentsDone{CallID: "fn-a", Name: "get_current_date_time"}
	h.channel.events <- realtime.FunctionCallArgumentsDone{CallID: "fn-b", Name: "get_current_date_time"}
	h.channel.events <- realtime.ResponseDone{}
	h.channel.events <- realtime.FunctionCallArgumentsDone{CallID: "fn-c", Name: "get_current_date_time"}
	h.finish(t)

	var outputs []realtime.ItemCreate
	for _, msg := range h.channel.sentMessages() {
		if item, ok := msg.(realtime.ItemCreate); ok {
			outputs = append(outputs, item)
		}
	}
	if len(outputs) != 2 {
		t.Fatalf("got %d function outputs, want 2 (second call rejected)", len(outputs))
	}
	if outputs[0].Item.CallID != "fn-a" || outputs[1].Item.CallID != "fn-c" {
		t.Errorf("outputs answered %q and %q, want fn-a and fn-c",
			outputs[0].Item.CallID, outputs[1].Item.CallID)
	}
}

func TestTranscriptsAreRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.InputTranscriptionCompleted{Transcript: "hello there"}
	h.channel.events <- realtime.ResponseTranscriptDone{Transcript: "hi, how can I help"}
	h.finish(t)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.started != 1 {
		t.Errorf("started = %d, want 1", h.rec.started)
	}
	if len(h.rec.utterances) != 2 {
		t.Fatalf("utterances = %+v, want 2", h.rec.utterances)
	}
	if h.rec.utterances[0].role != "caller" || h.rec.utterances[0].text != "hello there" {
		t.Errorf("first utterance = %+v", h.rec.utterances[0])
	}
	if h.rec.utterances[1].role != "assistant" || h.rec.utterances[1].text != "hi, how can I help" {
		t.Errorf("second utterance = %+v", h.rec.utterances[1])
	}
	if h.rec.ended != 1 {
		t.Errorf("ended = %d, want 1", h.rec.ended)
	}
}

func TestModelErrorDoesNotEndSession(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.ErrorEvent{}
	h.channel.events <- realtime.ResponseAudioDelta{Delta: "still here"}
	h.finish(t)

	instructions := h.stream.sent()
	if len(instructions) != 1 || instructions[0].AudioData == nil || instructions[0].AudioData.Data != "still here" {
		t.Fatalf("instructions = %+v, want one AudioData after the error", instructions)
	}
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.channel.events <- realtime.UnknownEvent{Type: "rate_limits.updated"}
	h.channel.events <- realtime.SpeechStopped{}
	h.channel.events <- realtime.InputAudioBufferCleared{}
	h.channel.events <- realtime.ResponseOutputItemDone{}
	h.finish(t)

	if got := len(h.stream.sent()); got != 0 {
		t.Fatalf("got %d instructions, want 0", got)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	h.session.Teardown()
	h.session.Teardown()

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not exit after teardown")
	}

	if !h.channel.Closed() {
		t.Error("model channel should be closed")
	}
	h.call.mu.Lock()
	closes := h.call.closes
	h.call.mu.Unlock()
	if closes != 1 {
		t.Errorf("call connection closes = %d, want 1", closes)
	}
	h.rec.mu.Lock()
	ended := h.rec.ended
	h.rec.mu.Unlock()
	if ended != 1 {
		t.Errorf("recorded ends = %d, want 1", ended)
	}
}

func TestDialFailureLeavesSessionUnconfigured(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.err = errors.New("connection refused")

	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err == nil {
		t.Fatal("expected an error from metadata with a failing dialer")
	}

	// A later metadata frame may retry the dial.
	h.dialer.err = nil
	if err := h.session.HandleFrame(context.Background(), metadataFrame()); err != nil {
		t.Fatalf("HandleFrame retry: %v", err)
	}
	if got := h.dialer.dialCount(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
	h.finish(t)
}
