package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// googleStop is Gemini's finish reason when the vendor gives none, and the
// finish reason of every Gemini stream.
const googleStop = "stop"

// geminiText concatenates the text parts of the first candidate.
func geminiText(c geminiCandidate) string {
	if len(c.Content.Parts) == 1 {
		return c.Content.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// geminiUsage maps usageMetadata. Total is recomputed from the two counts;
// the vendor's totalTokenCount also includes thinking tokens, which would
// make total != prompt + completion.
func geminiUsage(u *geminiUsageMetadata) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.PromptTokenCount + u.CandidatesTokenCount,
	}
}

// geminiPayloadError reports an in-body error object or an empty candidate
// list, either of which means there is nothing to normalize.
func geminiPayloadError(r *geminiResponse) error {
	if r.Error != nil {
		return fmt.Errorf("gemini error %d %s: %s", r.Error.Code, r.Error.Status, r.Error.Message)
	}
	if len(r.Candidates) == 0 {
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			return fmt.Errorf("gemini blocked the prompt: %s", r.PromptFeedback.BlockReason)
		}
		return errors.New("gemini returned no candidates")
	}
	return nil
}

// fromGeminiResponse normalizes a generateContent reply. Gemini returns no
// response id, so the caller mints one.
func fromGeminiResponse(r *geminiResponse, id, model string, created int64) (*Completion, error) {
	if err := geminiPayloadError(r); err != nil {
		return nil, err
	}

	candidate := r.Candidates[0]
	finish := strings.ToLower(candidate.FinishReason)
	if finish == "" || finish == "finish_reason_unspecified" {
		finish = googleStop
	}

	return newCompletion(id, model, created, geminiText(candidate), finish, geminiUsage(r.UsageMetadata)), nil
}

// geminiStream normalizes streamGenerateContent events.
//
// Every Gemini SSE event has the same shape as the unary response, carrying
// one fragment of text. The vendor's finishReason on the last event is
// ignored: once the vendor stream ends we emit exactly one terminal chunk
// with finish "stop", carrying whatever usage the events reported.
type geminiStream struct {
	id, model string
	created   int64
	usage     *Usage
}

func newGeminiStream(id, model string, created int64) *geminiStream {
	return &geminiStream{id: id, model: model, created: created}
}

func (s *geminiStream) step(payload string) ([]StreamChunk, bool, error) {
	var r geminiResponse
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, false, fmt.Errorf("decoding gemini stream event: %w", err)
	}

	if r.UsageMetadata != nil {
		u := geminiUsage(r.UsageMetadata)
		s.usage = &u
	}

	// A trailing usage-only event has no candidates and is fine.
	if r.Error == nil && len(r.Candidates) == 0 && r.UsageMetadata != nil {
		return nil, false, nil
	}
	if err := geminiPayloadError(&r); err != nil {
		return nil, false, err
	}

	text := geminiText(r.Candidates[0])
	if text == "" {
		return nil, false, nil
	}
	return []StreamChunk{{ID: s.id, Model: s.model, Created: s.created, Delta: text}}, false, nil
}

func (s *geminiStream) finish() []StreamChunk {
	return []StreamChunk{{
		ID:           s.id,
		Model:        s.model,
		Created:      s.created,
		Done:         true,
		FinishReason: googleStop,
		Usage:        s.usage,
	}}
}
