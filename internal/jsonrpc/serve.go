// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

type wireRequest struct {
	Version string           `json:"jsonrpc"`
	ID      *int64           `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *wireError       `json:"error,omitempty"`
}

type wireError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Serve reads requests from the connection one at a time
// and dispatches them to the handler
// until the connection is closed or ctx.Done is closed.
// A nil error is returned when the peer closes the connection.
func Serve(ctx context.Context, conn io.ReadWriter, handler Handler) error {
	c := newCodec(conn)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := c.readMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var req wireRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			if err := writeErrorResponse(c, nil, Error(ParseError, err)); err != nil {
				return err
			}
			continue
		}
		if req.Method == "" {
			if err := writeErrorResponse(c, req.ID, Error(InvalidRequest, errors.New("missing method"))); err != nil {
				return err
			}
			continue
		}

		resp, handlerErr := handler.JSONRPC(ctx, &Request{
			Method:       req.Method,
			Params:       req.Params,
			Notification: req.ID == nil,
		})
		if req.ID == nil {
			// No response expected for a notification.
			continue
		}
		if handlerErr != nil {
			if err := writeErrorResponse(c, req.ID, handlerErr); err != nil {
				return err
			}
			continue
		}
		result := json.RawMessage("null")
		if resp != nil && len(resp.Result) > 0 {
			result = resp.Result
		}
		body, err := json.Marshal(&wireRequest{
			Version: "2.0",
			ID:      req.ID,
			Result:  &result,
		})
		if err != nil {
			if err := writeErrorResponse(c, req.ID, Error(InternalError, err)); err != nil {
				return err
			}
			continue
		}
		if err := c.writeMessage(body); err != nil {
			return err
		}
	}
}

func writeErrorResponse(c *codec, id *int64, handlerErr error) error {
	code, ok := CodeFromError(handlerErr)
	if !ok {
		code = UnknownErrorCode
	}
	body, err := json.Marshal(&wireRequest{
		Version: "2.0",
		ID:      id,
		Error: &wireError{
			Code:    code,
			Message: handlerErr.Error(),
		},
	})
	if err != nil {
		return err
	}
	return c.writeMessage(body)
}

// Client is a [Handler] that sends requests over a connection.
// It is safe to call from multiple goroutines,
// but requests are serialized.
type Client struct {
	mu     sync.Mutex
	c      *codec
	nextID int64
	closer io.Closer
}

// NewClient returns a client that communicates over the given connection.
// If conn implements [io.Closer], then [Client.Close] closes it.
func NewClient(conn io.ReadWriter) *Client {
	c := &Client{c: newCodec(conn), nextID: 1}
	if closer, ok := conn.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Close closes the underlying connection if it supports it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// JSONRPC implements [Handler] by sending the request over the connection
// and waiting for the response.
func (c *Client) JSONRPC(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &wireRequest{
		Version: "2.0",
		Method:  req.Method,
		Params:  req.Params,
	}
	if !req.Notification {
		id := c.nextID
		c.nextID++
		msg.ID = &id
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc client: %v", err)
	}
	if err := c.c.writeMessage(body); err != nil {
		return nil, fmt.Errorf("jsonrpc client: %w", err)
	}
	if req.Notification {
		return nil, nil
	}

	for {
		raw, err := c.c.readMessage()
		if err != nil {
			return nil, fmt.Errorf("jsonrpc client: %w", err)
		}
		var resp wireRequest
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("jsonrpc client: %v", err)
		}
		if resp.ID == nil || *resp.ID != *msg.ID {
			// A response to a request this client did not send. Skip it.
			continue
		}
		if resp.Error != nil {
			return nil, Error(resp.Error.Code, errors.New(resp.Error.Message))
		}
		if resp.Result == nil {
			return &Response{}, nil
		}
		return &Response{Result: *resp.Result}, nil
	}
}
