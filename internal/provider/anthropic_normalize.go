package provider

import (
	"encoding/json"
	"fmt"
)

// anthropicDefaultStop is reported when a stream ends without a
// message_delta carrying stop_reason.
const anthropicDefaultStop = "end_turn"

// fromAnthropicResponse normalizes a Messages API reply. The first text block
// becomes the content and stop_reason passes through verbatim.
func fromAnthropicResponse(r *anthropicResponse, requestModel string, created int64) *Completion {
	var text string
	for _, block := range r.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	id := r.ID
	if id == "" {
		id = newCompletionID()
	}
	model := r.Model
	if model == "" {
		model = requestModel
	}

	return newCompletion(id, model, created, text, r.StopReason, Usage{
		PromptTokens:     r.Usage.InputTokens,
		CompletionTokens: r.Usage.OutputTokens,
		TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
	})
}

// --- Streaming event types ---
//
// Anthropic sends NAMED events, each with a different JSON payload shape:
//
//   message_start       → response ID, model, input token count
//   content_block_delta → a text fragment (the actual tokens)
//   message_delta       → stop_reason and output token count
//   message_stop        → the stream is done (empty payload)
//   error               → the vendor gave up mid-stream
//
// Every payload includes a "type" field matching the event name, so we
// decode into one wrapper struct with all the possible fields and leave
// the irrelevant ones at their zero values.

type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
	Error   *anthropicEventError   `json:"error,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

// anthropicEventDelta is Type="text_delta"+Text on content_block_delta and
// StopReason on message_delta.
type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicEventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStream accumulates metadata across events. Unlike Gemini, where
// every event is self-contained, Anthropic spreads what the terminal chunk
// needs over the whole stream.
type anthropicStream struct {
	id, model    string
	created      int64
	stopReason   string
	inputTokens  int
	outputTokens int
}

func newAnthropicStream(model string, created int64) *anthropicStream {
	return &anthropicStream{id: newCompletionID(), model: model, created: created}
}

func (s *anthropicStream) chunk() StreamChunk {
	return StreamChunk{ID: s.id, Model: s.model, Created: s.created}
}

func (s *anthropicStream) step(payload string) ([]StreamChunk, bool, error) {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, false, fmt.Errorf("decoding anthropic stream event: %w", err)
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			if event.Message.ID != "" {
				s.id = event.Message.ID
			}
			if event.Message.Model != "" {
				s.model = event.Message.Model
			}
			s.inputTokens = event.Message.Usage.InputTokens
		}

	case "content_block_delta":
		// Text-less deltas (input_json_delta for tool use) carry nothing we
		// forward.
		if event.Delta == nil || event.Delta.Text == "" {
			return nil, false, nil
		}
		c := s.chunk()
		c.Delta = event.Delta.Text
		return []StreamChunk{c}, false, nil

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			s.stopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			s.outputTokens = event.Usage.OutputTokens
		}

	case "message_stop":
		c := s.chunk()
		c.Done = true
		c.FinishReason = s.stopReason
		if c.FinishReason == "" {
			c.FinishReason = anthropicDefaultStop
		}
		c.Usage = &Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: s.outputTokens,
			TotalTokens:      s.inputTokens + s.outputTokens,
		}
		return []StreamChunk{c}, true, nil

	case "error":
		if event.Error == nil {
			return nil, false, fmt.Errorf("anthropic stream error")
		}
		return nil, false, fmt.Errorf("anthropic stream error: %s: %s", event.Error.Type, event.Error.Message)

	case "":
		return nil, false, fmt.Errorf("anthropic stream event without type")

	// content_block_start, content_block_stop and ping carry nothing we need.
	}
	return nil, false, nil
}

// finish adds nothing: a stream that ends without message_stop gets its
// terminal frame from the stream writer.
func (s *anthropicStream) finish() []StreamChunk {
	return nil
}
