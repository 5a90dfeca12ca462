// Package transport opens the byte stream an MJPEG camera serves.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Response is an opened stream: status, headers and a body that yields raw
// chunks until the server closes the connection or an error occurs.
// A clean close surfaces as io.EOF from Body.Read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport opens a stream for url. Implementations must honour ctx
// cancellation for both Open and subsequent Body reads.
type Transport interface {
	Open(ctx context.Context, url string) (*Response, error)
}

// DefaultDialTimeout bounds TCP connection establishment.
const DefaultDialTimeout = 5 * time.Second

// HTTP is the net/http transport. The zero value is usable.
type HTTP struct {
	// Client defaults to a client without an overall timeout, since stream
	// bodies never complete.
	Client    *http.Client
	UserAgent string
}

// NewHTTP returns an HTTP transport with the given dial timeout.
func NewHTTP(dialTimeout time.Duration, userAgent string) *HTTP {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext
	// Compressed MJPEG is pointless and breaks chunk accounting.
	rt.DisableCompression = true

	return &HTTP{
		Client:    &http.Client{Transport: rt},
		UserAgent: userAgent,
	}
}

// Open issues a GET for url.
func (h *HTTP) Open(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid request: %w", err)
	}
	req.Header.Set("Accept", "multipart/x-mixed-replace, image/jpeg;q=0.9, */*;q=0.1")
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}

	slog.Debug("transport: response headers received",
		"url", url,
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
