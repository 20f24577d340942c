// Package stream writes canonical chunks to clients as Server-Sent Events.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmgate/internal/apperr"
	"github.com/howard-nolan/llmgate/internal/provider"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// These structs define the JSON shape that OpenAI-compatible clients expect
// in each SSE event. The streaming format looks like:
//
//	data: {"id":"...","object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}
//
// They're private to this package; no other code needs to know about the
// wire format details.

// sseChunk is the top-level JSON object in each SSE event.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage is included only on the terminal chunk, when the vendor
	// reported it. Pointer + omitempty drops the key everywhere else.
	Usage *provider.Usage `json:"usage,omitempty"`
}

// sseChoice represents the one choice we stream.
type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is null for all chunks except the terminal one. A plain
	// string can't represent JSON null; it would serialize as "".
	FinishReason *string `json:"finish_reason"`
}

// sseDelta holds the incremental content in each chunk. Both fields are
// omitempty so the terminal chunk renders as {"delta":{}}.
type sseDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// sseError is the in-band error frame. Once the first byte of a stream is
// out, the status code is locked in, so this is the only way left to tell
// the client something went wrong.
type sseError struct {
	Error sseErrorBody `json:"error"`
}

type sseErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorType is the "type" of every in-band error frame.
const ErrorType = "response_conversion_error"

// defaultFinishReason is used when the stream ends without a terminal chunk
// from the adapter, or the terminal chunk carries no reason.
const defaultFinishReason = "stop"

// ---------------------------------------------------------------------------
// Writer state machine
// ---------------------------------------------------------------------------

// state tracks where the writer is. Every stream ends in stateDone, and
// every path into stateDone writes exactly one terminal frame (finish or
// error) followed by "data: [DONE]".
type state int

const (
	stateStreaming state = iota
	stateErroring
	stateDone
)

type writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	state   state

	// Last-seen metadata, reused for a synthesized terminal frame.
	id      string
	model   string
	created int64

	roleSent bool
}

// Write reads StreamChunks from the channel and writes them to w as
// OpenAI-compatible Server-Sent Events.
//
// This is the consumer side of the streaming pipeline:
//
//	adapter goroutine → channel → Write() → http.ResponseWriter → client
//
// Whatever happens upstream, the client sees a well-formed stream:
//   - a chunk with Done set becomes the terminal frame (finish_reason set,
//     empty delta), preceded by a content frame if it also carried text
//   - a chunk with Err set becomes an error frame
//   - a channel that closes without either gets a synthesized terminal
//     frame with finish_reason "stop"
//
// and each of those is followed by "data: [DONE]". Write stops reading at
// the first terminal or error chunk; the caller cancels the producer's
// context afterwards.
//
// The returned error is the upstream error that ended the stream, or a
// failure to write to the client. Both are for logging only: by the time
// Write returns, the response is already complete.
func Write(w http.ResponseWriter, chunks <-chan provider.StreamChunk) error {
	// w.(http.Flusher) is a type assertion: it checks at runtime whether
	// the value behind the interface also implements Flush(). We need it
	// to push each event out immediately instead of waiting for the
	// buffer to fill.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// These headers MUST be set before the first Write or Flush. Once the
	// body starts, headers are locked in (same as res.setHeader() before
	// res.write() in Express).
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sw := &writer{w: w, flusher: flusher}

	for chunk := range chunks {
		sw.remember(chunk)

		if chunk.Err != nil {
			sw.state = stateErroring
			if err := sw.writeError(chunk.Err); err != nil {
				return err
			}
			return chunk.Err
		}

		if chunk.Delta != "" {
			if err := sw.writeContent(chunk.Delta); err != nil {
				return err
			}
		}

		if chunk.Done {
			return sw.writeTerminal(chunk.FinishReason, chunk.Usage)
		}
	}

	// The producer closed the channel without a terminal chunk.
	return sw.writeTerminal("", nil)
}

func (sw *writer) remember(chunk provider.StreamChunk) {
	if chunk.ID != "" {
		sw.id = chunk.ID
	}
	if chunk.Model != "" {
		sw.model = chunk.Model
	}
	if chunk.Created != 0 {
		sw.created = chunk.Created
	}
}

func (sw *writer) frame(delta sseDelta, finish *string, usage *provider.Usage) sseChunk {
	return sseChunk{
		ID:      sw.id,
		Object:  "chat.completion.chunk",
		Created: sw.created,
		Model:   sw.model,
		Choices: []sseChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

// writeContent emits one content frame. The first one also carries the
// assistant role, the way OpenAI streams do.
func (sw *writer) writeContent(text string) error {
	delta := sseDelta{Content: text}
	if !sw.roleSent {
		delta.Role = provider.RoleAssistant
		sw.roleSent = true
	}
	return sw.event(sw.frame(delta, nil, nil))
}

func (sw *writer) writeTerminal(reason string, usage *provider.Usage) error {
	if reason == "" {
		reason = defaultFinishReason
	}
	if err := sw.event(sw.frame(sseDelta{}, &reason, usage)); err != nil {
		return err
	}
	return sw.done()
}

func (sw *writer) writeError(cause error) error {
	frame := sseError{Error: sseErrorBody{
		Message: apperr.PublicMessage(cause),
		Type:    ErrorType,
	}}
	if err := sw.event(frame); err != nil {
		return err
	}
	return sw.done()
}

// done writes the "[DONE]" sentinel. It's not valid JSON; it's an OpenAI
// convention that SDKs look for to know they should stop reading.
func (sw *writer) done() error {
	sw.state = stateDone
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// event writes one "data: {json}\n\n" event and flushes it. The blank line
// is what tells the client the event is complete.
func (sw *writer) event(v any) error {
	if sw.state == stateDone {
		return fmt.Errorf("write after [DONE]")
	}
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}
