package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// Shared HTTP plumbing
// ---------------------------------------------------------------------------

// maxErrorBody caps how much of a vendor error body we keep for logs.
const maxErrorBody = 64 * 1024

// StatusError is a non-200 reply from a vendor. Body is the (truncated)
// error payload, which goes to the logs, never to clients.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// sendJSON builds and sends one request. body may be nil (GET). On a non-200
// status the body is drained and closed, and a *StatusError is returned.
// On success the caller owns resp.Body.
func sendJSON(ctx context.Context, client *http.Client, provider, method, url string, headers map[string]string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", provider, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &StatusError{
			Provider:   provider,
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(errBody)),
		}
	}
	return httpResp, nil
}

// decodeJSON is the unary counterpart: send, decode into out, close.
func decodeJSON(ctx context.Context, client *http.Client, provider, method, url string, headers map[string]string, body, out any) error {
	httpResp, err := sendJSON(ctx, client, provider, method, url, headers, body)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", provider, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// SSE reading
// ---------------------------------------------------------------------------

// maxSSELine is the longest single SSE line we accept. bufio.Scanner's
// default of 64 KiB is too small for long completions.
const maxSSELine = 1024 * 1024

// sseScanner pulls data payloads out of a text/event-stream body.
//
// Only "data:" lines matter to us: every vendor we talk to repeats the
// event name inside the JSON payload, so "event:" lines are skipped.
// Consecutive data lines are joined with "\n". The OpenAI "[DONE]" sentinel
// reads as io.EOF.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseScanner{scanner: s}
}

// Next returns the next payload, or io.EOF when the stream is over.
func (s *sseScanner) Next() (string, error) {
	var lines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return "", io.EOF
		}
		lines = append(lines, data)
	}

	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), nil
	}
	return "", io.EOF
}

// ---------------------------------------------------------------------------
// Stream pump
// ---------------------------------------------------------------------------

// streamDecoder turns vendor payloads into chunks. Each adapter has one per
// stream (it may carry state across events, like Anthropic's message id).
type streamDecoder interface {
	// step handles one payload. stop=true means the vendor signalled the
	// end of the stream in-band.
	step(payload string) (chunks []StreamChunk, stop bool, err error)

	// finish runs once after the vendor stream ended cleanly and returns
	// any trailing chunks.
	finish() []StreamChunk
}

// pump reads body in a goroutine and feeds the returned channel.
//
// This is the goroutine + channel pattern from the adapters, pulled out so
// all three vendors share the same lifecycle rules:
//   - the goroutine owns body and the channel, and closes both on exit
//   - every send selects on ctx.Done(), so a consumer that goes away
//     (client disconnect, timeout) lets the goroutine exit instead of
//     blocking forever on an unbuffered channel
//   - a decode or read error becomes one chunk with Err set, then the
//     stream ends
func pump(ctx context.Context, provider string, body io.ReadCloser, dec streamDecoder) <-chan StreamChunk {
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer body.Close()

		send := func(chunk StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := newSSEScanner(body)
		for {
			payload, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(StreamChunk{Done: true, Err: fmt.Errorf("reading %s stream: %w", provider, err)})
				return
			}

			chunks, stop, err := dec.step(payload)
			if err != nil {
				send(StreamChunk{Done: true, Err: err})
				return
			}
			for _, chunk := range chunks {
				if !send(chunk) {
					return
				}
			}
			if stop {
				return
			}
		}

		for _, chunk := range dec.finish() {
			if !send(chunk) {
				return
			}
		}
	}()

	return ch
}
