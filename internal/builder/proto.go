// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"zombiezen.com/go/log"
)

// The sandbox setup protocol runs over the child's stderr
// (the pseudoterminal slave) before the builder program is executed:
//
//   - a line starting with '\1' is followed by a length-delimited
//     encoded error; the parent rethrows it and aborts the build;
//   - a lone '\2' line means the environment is ready
//     and the builder will exec now;
//   - anything else is a human-readable log line.
const (
	setupErrorMarker = '\x01'
	setupReadyMarker = '\x02'
)

// SetupError is an error that occurred in the child process
// while constructing the build environment,
// rematerialized in the parent.
type SetupError struct {
	// Message is the error text.
	Message string `json:"message"`
	// Trace holds additional context lines, outermost first.
	Trace []string `json:"trace,omitempty"`
}

func (e *SetupError) Error() string {
	if len(e.Trace) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Trace, ": ")
}

// writeSetupError serializes err over the setup channel.
// It is called in the child process.
func writeSetupError(w io.Writer, err error) error {
	se, ok := err.(*SetupError)
	if !ok {
		se = &SetupError{Message: err.Error()}
	}
	payload, marshalErr := json.Marshal(se)
	if marshalErr != nil {
		payload = []byte(`{"message":"unencodable setup error"}`)
	}
	frame := make([]byte, 0, len(payload)+2+8)
	frame = append(frame, setupErrorMarker, '\n')
	frame = binary.LittleEndian.AppendUint64(frame, uint64(len(payload)))
	frame = append(frame, payload...)
	_, writeErr := w.Write(frame)
	return writeErr
}

// writeSetupReady signals that the environment is ready
// and the builder is about to exec.
// It is called in the child process.
func writeSetupReady(w io.Writer) error {
	_, err := w.Write([]byte{setupReadyMarker, '\n'})
	return err
}

// readSetupError reads the length-delimited error payload
// that follows a '\1' line.
func readSetupError(r *bufio.Reader) (*SetupError, error) {
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("read setup error: %w", err)
	}
	size := binary.LittleEndian.Uint64(sizeBuf[:])
	const maxErrorSize = 1 << 20
	if size > maxErrorSize {
		return nil, fmt.Errorf("read setup error: %d byte payload too large", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read setup error: %w", err)
	}
	se := new(SetupError)
	if err := json.Unmarshal(payload, se); err != nil {
		return nil, fmt.Errorf("read setup error: %v", err)
	}
	return se, nil
}

// processSetupMessages consumes the setup channel
// until the child reports readiness or an error.
// Log lines are forwarded to logWriter.
func processSetupMessages(ctx context.Context, r *bufio.Reader, logWriter io.Writer) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("while waiting for the build environment to initialize: %w", err)
		}
		switch {
		case strings.HasPrefix(line, string(rune(setupReadyMarker))):
			return nil
		case strings.HasPrefix(line, string(rune(setupErrorMarker))):
			se, err := readSetupError(r)
			if err != nil {
				return err
			}
			se.Trace = append(se.Trace, "while setting up the build environment")
			return se
		default:
			log.Debugf(ctx, "sandbox setup: %s", strings.TrimSuffix(line, "\n"))
			if logWriter != nil {
				io.WriteString(logWriter, line)
			}
		}
	}
}
