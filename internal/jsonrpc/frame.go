// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
)

// A codec reads and writes JSON values
// framed with a Content-Length header in the manner of the Language Server Protocol.
type codec struct {
	br *bufio.Reader
	w  io.Writer
}

func newCodec(rw io.ReadWriter) *codec {
	return &codec{
		br: bufio.NewReader(rw),
		w:  rw,
	}
}

// readMessage reads the next framed JSON message from the stream.
func (c *codec) readMessage() (json.RawMessage, error) {
	header, err := textproto.NewReader(c.br).ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	sizeText := header.Get("Content-Length")
	if sizeText == "" {
		return nil, fmt.Errorf("read rpc message: missing Content-Length")
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("read rpc message: invalid Content-Length %q", sizeText)
	}
	const maxMessageSize = 32 << 20
	if size > maxMessageSize {
		return nil, fmt.Errorf("read rpc message: message of %d bytes too large", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.br, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read rpc message: %w", err)
	}
	return body, nil
}

// writeMessage writes a framed JSON message to the stream.
func (c *codec) writeMessage(body []byte) error {
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return fmt.Errorf("write rpc message: %w", err)
	}
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("write rpc message: %w", err)
	}
	return nil
}
