// Package httprpc performs one-shot JSON-RPC 2.0 calls over HTTP,
// for servers that expose regular methods on an HTTP endpoint next
// to their WebSocket endpoint.
package httprpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"go.arsenm.dev/subrpc/protocol"
)

// DefaultTimeout is the timeout of the default HTTP client
const DefaultTimeout = 30 * time.Second

var defaultClient = &http.Client{Timeout: DefaultTimeout}

// StatusError is returned when the server responds with a non-2xx status
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httprpc: received status code %d", e.StatusCode)
}

// Client calls methods on a JSON-RPC 2.0 HTTP endpoint
type Client struct {
	URL string
	// Token is sent as a bearer token when set
	Token string
	// HTTPClient is used for requests, a client with
	// DefaultTimeout is used if nil
	HTTPClient *http.Client
}

// Call calls method and decodes its result into reply. If reply is nil,
// the result is discarded. An error returned by the server is returned
// as a *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, reply any) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("httprpc: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httprpc: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = defaultClient
	}

	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("httprpc: %w", err)
	}
	defer closeBody(res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{StatusCode: res.StatusCode}
	}

	out := reply
	if out == nil {
		var discard any
		out = &discard
	}

	err = json2.DecodeClientResponse(res.Body, out)

	var rpcErr *json2.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rpcErr):
		return &protocol.Error{
			Code:    int(rpcErr.Code),
			Message: rpcErr.Message,
			Data:    rpcErr.Data,
		}
	case errors.Is(err, json2.ErrNullResult) && reply == nil:
		return nil
	default:
		return fmt.Errorf("httprpc: decode response: %w", err)
	}
}

// closeBody drains the body so the connection can be reused
func closeBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
