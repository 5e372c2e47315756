// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

//go:build unix

package builder

import (
	"errors"
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// openBuilderPTY allocates the pseudoterminal pair for a build.
// The slave becomes the child's stderr in raw mode:
// no CRLF translation may corrupt the log stream
// or the sandbox setup protocol.
func openBuilderPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open builder pseudoterminal: %v", err)
	}
	termios, err := unix.IoctlGetTermios(int(slave.Fd()), ioctlGetTermios)
	if err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("open builder pseudoterminal: %v", err)
	}
	// Equivalent of cfmakeraw.
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8
	if err := unix.IoctlSetTermios(int(slave.Fd()), ioctlSetTermios, termios); err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("open builder pseudoterminal: %v", err)
	}
	return master, slave, nil
}

// isPTYClosed reports whether a read error on the master
// means the slave side has been closed.
func isPTYClosed(err error) bool {
	return errors.Is(err, unix.EIO)
}
