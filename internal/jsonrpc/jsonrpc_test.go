// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestServeAndClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := ServeMux{
		"echo": HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Result: req.Params}, nil
		}),
		"fail": HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			return nil, Error(InvalidParams, errors.New("bad params"))
		}),
	}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- Serve(ctx, serverConn, handler)
	}()

	client := NewClient(clientConn)

	t.Run("Echo", func(t *testing.T) {
		var result map[string]string
		err := Do(ctx, client, "echo", &result, map[string]string{"hello": "world"})
		if err != nil {
			t.Fatal(err)
		}
		if result["hello"] != "world" {
			t.Errorf("result = %v; want hello=world", result)
		}
	})

	t.Run("Error", func(t *testing.T) {
		err := Do(ctx, client, "fail", nil, nil)
		if err == nil {
			t.Fatal("Do(fail) succeeded; want error")
		}
		if code, ok := CodeFromError(err); !ok || code != InvalidParams {
			t.Errorf("CodeFromError(%v) = %v, %t; want %v, true", err, code, ok, InvalidParams)
		}
	})

	t.Run("MethodNotFound", func(t *testing.T) {
		err := Do(ctx, client, "nonexistent", nil, nil)
		if code, ok := CodeFromError(err); !ok || code != MethodNotFound {
			t.Errorf("CodeFromError(%v) = %v, %t; want %v, true", err, code, ok, MethodNotFound)
		}
	})

	serverConn.Close()
	if err := <-serveDone; err != nil && !errors.Is(err, net.ErrClosed) {
		// Closing the pipe mid-serve surfaces as an I/O error; either is fine.
		t.Logf("Serve returned %v", err)
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	ctx := context.Background()
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	notified := make(chan struct{}, 1)
	go Serve(ctx, serverConn, HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if !req.Notification {
			return nil, fmt.Errorf("expected notification")
		}
		notified <- struct{}{}
		return nil, nil
	}))

	client := NewClient(clientConn)
	if err := Notify(ctx, client, "log", map[string]string{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	<-notified
}

func TestServeMuxUnknownMethod(t *testing.T) {
	mux := ServeMux{}
	_, err := mux.JSONRPC(context.Background(), &Request{Method: "nope", Params: json.RawMessage("{}")})
	if code, ok := CodeFromError(err); !ok || code != MethodNotFound {
		t.Errorf("CodeFromError(%v) = %v, %t; want %v, true", err, code, ok, MethodNotFound)
	}
}
