// Package streamcore is the HTTP facade over the durable-streams append-log
// engine. It speaks the Durable Streams Protocol: PUT creates or touches a
// stream, POST appends, HEAD reads metadata, DELETE removes. The fanout
// service never interprets payloads; it only routes status codes.
package streamcore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/durable-streams/fanout/core"
)

// Protocol header names.
const (
	headerStreamNextOffset = "Stream-Next-Offset"
	headerStreamTTL        = "Stream-TTL"
)

// Client talks to a stream-core deployment over HTTP. It is safe for
// concurrent use; per-call deadlines come from the caller's context.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a stream-core client rooted at baseURL, for example
// "http://localhost:4437/v1/stream".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: trimTrailingSlash(baseURL),
		httpClient: &http.Client{
			// No global timeout: deadlines come from request contexts.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (c *Client) url(key core.StreamKey) string {
	return c.baseURL + "/" + key.String()
}

// Head reports whether the stream at key exists, with its content type and
// current tail offset. A 404 is not an error.
func (c *Client) Head(ctx context.Context, key core.StreamKey) (core.HeadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url(key), nil)
	if err != nil {
		return core.HeadResult{}, core.NewOpError("head", key, 0, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.HeadResult{}, core.NewOpError("head", key, 0, err)
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return core.HeadResult{
			Exists:      true,
			ContentType: resp.Header.Get("Content-Type"),
			NextOffset:  resp.Header.Get(headerStreamNextOffset),
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		return core.HeadResult{}, nil
	default:
		return core.HeadResult{}, core.NewOpError("head", key, resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// Put creates the stream at key or touches it if it already exists with
// matching metadata. A positive ttl is sent as Stream-TTL so the engine
// refreshes expiry. A 409 conflict is reported in the result.
func (c *Client) Put(ctx context.Context, key core.StreamKey, contentType string, ttl time.Duration) (core.PutResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(key), nil)
	if err != nil {
		return core.PutResult{}, core.NewOpError("put", key, 0, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ttl > 0 {
		req.Header.Set(headerStreamTTL, strconv.FormatInt(int64(ttl/time.Second), 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.PutResult{}, core.NewOpError("put", key, 0, err)
	}
	defer drain(resp.Body)

	result := core.PutResult{Status: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusCreated:
		result.Created = true
	case http.StatusOK:
		result.Touched = true
	case http.StatusConflict:
		// Exists with different metadata; the caller decides.
	default:
		if resp.StatusCode >= 400 {
			return result, core.NewOpError("put", key, resp.StatusCode,
				fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}
	return result, nil
}

// Post appends body to the stream at key. A 404 is classified as stale in
// the result rather than an error; every other non-2xx status is reported in
// the result with OK=false. Transport failures surface as errors.
func (c *Client) Post(ctx context.Context, key core.StreamKey, body []byte, contentType string, producer core.ProducerHeaders) (core.PostResult, error) {
	// bytes.NewReader never consumes the shared buffer.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(key), bytes.NewReader(body))
	if err != nil {
		return core.PostResult{}, core.NewOpError("post", key, 0, err)
	}
	req.Header.Set("Content-Type", contentType)
	if !producer.IsZero() {
		req.Header.Set(core.HeaderProducerID, producer.ID)
		req.Header.Set(core.HeaderProducerEpoch, producer.Epoch)
		req.Header.Set(core.HeaderProducerSeq, producer.Seq)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.PostResult{}, core.NewOpError("post", key, 0, err)
	}
	defer drain(resp.Body)

	result := core.PostResult{
		Status:     resp.StatusCode,
		NextOffset: resp.Header.Get(headerStreamNextOffset),
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.OK = true
	case resp.StatusCode == http.StatusNotFound:
		result.Stale = true
	}
	return result, nil
}

// Delete removes the stream at key. Idempotent: 404 reports OK.
func (c *Client) Delete(ctx context.Context, key core.StreamKey) (core.DeleteResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(key), nil)
	if err != nil {
		return core.DeleteResult{}, core.NewOpError("delete", key, 0, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.DeleteResult{}, core.NewOpError("delete", key, 0, err)
	}
	defer drain(resp.Body)

	result := core.DeleteResult{Status: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.OK = true
	case resp.StatusCode == http.StatusNotFound:
		result.OK = true
	}
	return result, nil
}

// drain discards and closes a response body so the connection is reusable.
func drain(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}

var _ core.StreamCore = (*Client)(nil)
