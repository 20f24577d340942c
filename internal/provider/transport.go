package provider

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// NewHTTPClient returns the client shared by every adapter.
//
// No client-level Timeout: streaming responses can run for minutes, so every
// call is bounded through its context instead (the gateway wraps ctx with
// timeouts.request or timeouts.model_list).
func NewHTTPClient() *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 32
	base.IdleConnTimeout = 90 * time.Second

	return &http.Client{Transport: &brotliTransport{next: base}}
}

// brotliTransport asks for br and decodes br bodies.
//
// Go's transport only handles gzip transparently, and it stops doing even
// that once you set Accept-Encoding yourself. We only set the header when
// the caller hasn't, and unwrap br here.
type brotliTransport struct {
	next http.RoundTripper
}

func (t *brotliTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br")
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		resp.Body = &brotliBody{Reader: brotli.NewReader(resp.Body), raw: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	return resp, nil
}

// brotliBody reads decoded bytes and closes the underlying connection body.
type brotliBody struct {
	io.Reader
	raw io.ReadCloser
}

func (b *brotliBody) Close() error {
	return b.raw.Close()
}
