// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

// extractNARTo extracts a NAR stream to the local filesystem at dst.
func extractNARTo(dst string, r io.Reader) error {
	nr := nar.NewReader(r)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p := filepath.Join(dst, filepath.FromSlash(hdr.Path))
		switch typ := hdr.Mode.Type(); typ {
		case 0:
			perm := os.FileMode(0o644)
			if hdr.Mode&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, nr)
			err2 := f.Close()
			if err != nil {
				return err
			}
			if err2 != nil {
				return err2
			}
		case fs.ModeDir:
			if err := os.Mkdir(p, 0o755); err != nil {
				return err
			}
		case fs.ModeSymlink:
			if err := os.Symlink(hdr.LinkTarget, p); err != nil {
				return err
			}
		default:
			return fmt.Errorf("extract nar: unhandled type %v", typ)
		}
	}
}

// dumpNAR streams the NAR serialization of the tree at path
// into each of the given writers.
func dumpNAR(path string, writers ...io.Writer) error {
	return nar.DumpPath(io.MultiWriter(writers...), path)
}

// narStream is a reader over the NAR serialization of a filesystem tree,
// produced by a background dumper.
type narStream struct {
	pr   *io.PipeReader
	done chan struct{}
}

func openNARStream(path string) *narStream {
	pr, pw := io.Pipe()
	s := &narStream{pr: pr, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		if err := nar.DumpPath(pw, path); err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
	}()
	return s
}

func (s *narStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *narStream) close() {
	s.pr.Close()
	<-s.done
}

// narSHA256 returns the SHA-256 hash of an in-memory NAR serialization.
func narSHA256(narBytes []byte) nix.Hash {
	h := nix.NewHasher(nix.SHA256)
	h.Write(narBytes)
	return h.SumHash()
}

// writeCounter counts the bytes written through it.
type writeCounter int64

func (wc *writeCounter) Write(p []byte) (int, error) {
	*wc += writeCounter(len(p))
	return len(p), nil
}

func (wc *writeCounter) WriteString(s string) (int, error) {
	*wc += writeCounter(len(s))
	return len(s), nil
}
