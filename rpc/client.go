package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ruteri/tee-attested-services/interfaces"
)

const maxResponseSize = 4 << 20

// Endpoint is a remote attested service: its address and the client side of
// the channel. Connections are established on first use and kept alive.
type Endpoint struct {
	address string
	client  *http.Client
}

// NewEndpoint targets address (host:port) over tlsConfig, typically from NewClientTLSConfig.
func NewEndpoint(address string, tlsConfig *tls.Config, timeout time.Duration) *Endpoint {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Endpoint{
		address: address,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (ep *Endpoint) Address() string { return ep.address }

// Close drops idle connections.
func (ep *Endpoint) Close() {
	ep.client.CloseIdleConnections()
}

// Client issues typed requests to an Endpoint.
type Client[Req, Resp any] struct {
	ep *Endpoint
}

func NewClient[Req, Resp any](ep *Endpoint) *Client[Req, Resp] {
	return &Client[Req, Resp]{ep: ep}
}

// Call sends req and waits for the response. Transport and handshake failures
// wrap interfaces.ErrConnection; error answers from the server are *Error.
func (c *Client[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var resp Resp

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("could not encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+c.ep.address+RPCPath, bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("could not initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.ep.client.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("%w: %w", interfaces.ErrConnection, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return resp, fmt.Errorf("%w: reading response: %w", interfaces.ErrConnection, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		rpcErr := &Error{Code: httpResp.StatusCode}
		if err := json.Unmarshal(respBody, rpcErr); err != nil || rpcErr.Message == "" {
			rpcErr.Message = http.StatusText(httpResp.StatusCode)
		}
		rpcErr.Code = httpResp.StatusCode
		return resp, rpcErr
	}

	if err := json.Unmarshal(respBody, &resp); err != nil {
		return resp, fmt.Errorf("could not parse response: %w", err)
	}
	return resp, nil
}
