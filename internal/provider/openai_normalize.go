package provider

import (
	"encoding/json"
	"errors"
	"fmt"
)

// fromOpenAIResponse is a near-identity mapping. Missing id/created/usage
// get filled in so the canonical shape is always complete.
func fromOpenAIResponse(r *openAIResponse, requestModel string, created int64) (*Completion, error) {
	if r.Error != nil {
		return nil, fmt.Errorf("openai error (%s): %s", r.Error.Type, r.Error.Message)
	}
	if len(r.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	id := r.ID
	if id == "" {
		id = newCompletionID()
	}
	if r.Created != 0 {
		created = r.Created
	}
	model := r.Model
	if model == "" {
		model = requestModel
	}

	choice := r.Choices[0]
	var content, finish string
	if choice.Message.Content != nil {
		content = *choice.Message.Content
	}
	if choice.FinishReason != nil {
		finish = *choice.FinishReason
	}

	var usage Usage
	if r.Usage != nil {
		usage = *r.Usage
	}
	return newCompletion(id, model, created, content, finish, usage), nil
}

// openAIStream passes chunks through. The first chunk with a non-null
// finish_reason becomes the terminal chunk, but it is held until [DONE]:
// with stream_options.include_usage the usage arrives in a later frame
// with an empty choices array.
type openAIStream struct {
	id, model string
	created   int64
	terminal  *StreamChunk
}

func newOpenAIStream(model string, created int64) *openAIStream {
	return &openAIStream{id: newCompletionID(), model: model, created: created}
}

func (s *openAIStream) step(payload string) ([]StreamChunk, bool, error) {
	var event openAIStreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, false, fmt.Errorf("decoding openai stream event: %w", err)
	}
	if event.Error != nil {
		return nil, false, fmt.Errorf("openai stream error (%s): %s", event.Error.Type, event.Error.Message)
	}
	if event.Choices == nil && event.Usage == nil {
		return nil, false, errors.New("openai stream event without choices")
	}
	if s.terminal != nil {
		// Past the finish: only usage is still of interest.
		if event.Usage != nil {
			s.terminal.Usage = event.Usage
		}
		return nil, false, nil
	}
	if event.Choices == nil {
		return nil, false, nil
	}

	// Keep the vendor's id and model once we've seen them.
	if event.ID != "" {
		s.id = event.ID
	}
	if event.Model != "" {
		s.model = event.Model
	}
	if event.Created != 0 {
		s.created = event.Created
	}
	if len(*event.Choices) == 0 {
		return nil, false, nil
	}

	choice := (*event.Choices)[0]
	var chunks []StreamChunk
	if choice.Delta.Content != "" {
		chunks = append(chunks, StreamChunk{ID: s.id, Model: s.model, Created: s.created, Delta: choice.Delta.Content})
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.terminal = &StreamChunk{
			ID:           s.id,
			Model:        s.model,
			Created:      s.created,
			Done:         true,
			FinishReason: *choice.FinishReason,
			Usage:        event.Usage,
		}
	}
	return chunks, false, nil
}

// finish releases the held terminal chunk. A vendor that sends [DONE]
// without any finish_reason gets its terminal frame from the stream writer.
func (s *openAIStream) finish() []StreamChunk {
	if s.terminal == nil {
		return nil
	}
	return []StreamChunk{*s.terminal}
}
