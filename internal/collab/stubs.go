package collab

import (
	"context"
	"sync"
)

// StubModel is an in-process ModelClient for tests and offline operation.
// It replies with the configured Parsed/Text and records every call.
type StubModel struct {
	mu     sync.Mutex
	Parsed map[string]any
	Text   string
	Err    error
	calls  []StubModelCall
}

// StubModelCall records one Run invocation.
type StubModelCall struct {
	Model    string
	Messages []Message
	Schema   map[string]any
}

func (s *StubModel) Run(ctx context.Context, model string, messages []Message, responseSchema map[string]any) (*ModelResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, StubModelCall{Model: model, Messages: messages, Schema: responseSchema})
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return &ModelResult{Parsed: s.Parsed, Text: s.Text}, nil
}

// Calls returns a copy of the recorded invocations.
func (s *StubModel) Calls() []StubModelCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StubModelCall(nil), s.calls...)
}

// RecordingBus is an in-process MessageBus that captures sends for tests.
type RecordingBus struct {
	mu    sync.Mutex
	sends []BusSend
}

// BusSend is one captured Send.
type BusSend struct {
	Topic   string
	Payload map[string]any
}

func (b *RecordingBus) Send(ctx context.Context, topic string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, BusSend{Topic: topic, Payload: payload})
	return nil
}

// Sends returns a copy of the captured messages.
func (b *RecordingBus) Sends() []BusSend {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BusSend(nil), b.sends...)
}
