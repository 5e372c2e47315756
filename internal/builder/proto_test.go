// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"crucible.build/pkg/internal/testcontext"
)

func TestSetupProtocolReady(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	buf := new(bytes.Buffer)
	buf.WriteString("mounting /proc\n")
	buf.WriteString("mounting /dev/shm\n")
	writeSetupReady(buf)

	logOutput := new(strings.Builder)
	err := processSetupMessages(ctx, bufio.NewReader(buf), logOutput)
	if err != nil {
		t.Fatalf("processSetupMessages: %v", err)
	}
	if got := logOutput.String(); !strings.Contains(got, "mounting /proc") {
		t.Errorf("log output %q missing setup lines", got)
	}
}

func TestSetupProtocolError(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	buf := new(bytes.Buffer)
	buf.WriteString("some progress\n")
	writeSetupError(buf, errors.New("mounting /proc: operation not permitted"))

	err := processSetupMessages(ctx, bufio.NewReader(buf), nil)
	if err == nil {
		t.Fatal("processSetupMessages succeeded; want error")
	}
	se := new(SetupError)
	if !errors.As(err, &se) {
		t.Fatalf("error %T is not a *SetupError", err)
	}
	if se.Message != "mounting /proc: operation not permitted" {
		t.Errorf("message = %q", se.Message)
	}
	if len(se.Trace) == 0 || !strings.Contains(se.Trace[len(se.Trace)-1], "setting up the build environment") {
		t.Errorf("trace = %v; want build environment context", se.Trace)
	}
}

func TestSetupProtocolTruncated(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	buf := bytes.NewBufferString("partial line with no newline")
	err := processSetupMessages(ctx, bufio.NewReader(buf), nil)
	if err == nil {
		t.Fatal("processSetupMessages on truncated stream succeeded; want error")
	}
}

func TestSetupErrorRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	orig := &SetupError{
		Message: "cannot set host name: EPERM",
		Trace:   []string{"while setting hostname"},
	}
	if err := writeSetupError(buf, orig); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(buf)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "\x01\n" {
		t.Fatalf("frame prefix = %q; want \\1 line", line)
	}
	got, err := readSetupError(r)
	if err != nil {
		t.Fatal(err)
	}
	if got.Message != orig.Message || len(got.Trace) != 1 || got.Trace[0] != orig.Trace[0] {
		t.Errorf("round trip = %+v; want %+v", got, orig)
	}
}
