// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package detect provides streaming search over byte streams:
// finding store path digests (reference scanning)
// and replacing digests with same-width substitutes (hash rewriting).
package detect

import (
	"bytes"
	"io"
	"slices"
)

// HashModuloReader wraps an underlying reader
// to replace occurrences of a search string with a same-width replacement
// and record the offsets of the occurrences.
// It is used to compute content hashes "modulo" a store path's own digest
// and to rewrite scratch digests into final digests
// without changing the byte length of the stream.
type HashModuloReader struct {
	r   io.Reader
	old string
	new string

	pos     int64 // bytes consumed from r before buf
	offsets []int64
	err     error // first error from r

	buf       []byte
	processed int // prefix of buf already scanned and safe to return
}

// NewHashModuloReader returns a new [HashModuloReader]
// that reads from r and replaces old with new.
// It panics if len(old) != len(new):
// hash rewriting must preserve byte length.
func NewHashModuloReader(old, new string, r io.Reader) *HashModuloReader {
	if len(old) != len(new) {
		panic("hash rewrite replacement must have the same width as the search string")
	}
	return &HashModuloReader{
		old: old,
		new: new,
		r:   r,
		buf: make([]byte, 0, len(old)),
	}
}

// Offsets returns the stream offsets at which the search string occurred,
// in ascending order.
func (hmr *HashModuloReader) Offsets() []int64 {
	return slices.Clone(hmr.offsets)
}

// Read implements [io.Reader].
// Read may consume more bytes from the underlying reader
// than it returns to the caller,
// since a partial match at the end of a chunk
// cannot be resolved until more bytes arrive.
func (hmr *HashModuloReader) Read(p []byte) (n int, err error) {
	if n = hmr.copyBuffered(p); n > 0 {
		if len(hmr.buf) == 0 {
			return n, hmr.err
		}
		return n, nil
	}
	if len(p) == 0 {
		if len(hmr.buf) == 0 {
			return 0, hmr.err
		}
		return 0, nil
	}

	dst := p
	nread := len(hmr.buf)
	useInternalBuffer := len(p) < cap(hmr.buf)
	if useInternalBuffer {
		dst = hmr.buf[:cap(hmr.buf)]
	} else {
		copy(p, hmr.buf)
	}
	nprocessed := 0
	for nprocessed == 0 && hmr.err == nil {
		var nn int
		nn, hmr.err = readAtLeast1(hmr.r, dst[nread:])
		nread += nn
		nprocessed, hmr.offsets = replaceInChunk(hmr.old, hmr.new, hmr.offsets, hmr.pos, dst[:nread], hmr.err != nil)
	}
	if useInternalBuffer {
		n = copy(p, dst[:nprocessed])
	} else {
		n = nprocessed
	}
	newBufLen := copy(hmr.buf[:cap(hmr.buf)], dst[n:nread])
	hmr.buf = hmr.buf[:newBufLen]
	hmr.processed = nprocessed - n
	hmr.pos += int64(nread - newBufLen)
	if newBufLen == 0 {
		return n, hmr.err
	}
	return n, nil
}

func (hmr *HashModuloReader) copyBuffered(p []byte) int {
	n := copy(p, hmr.buf[:hmr.processed])
	copy(hmr.buf, hmr.buf[n:])
	hmr.buf = hmr.buf[:len(hmr.buf)-n]
	hmr.processed -= n
	hmr.pos += int64(n)
	return n
}

// replaceInChunk rewrites any full occurrences of old inside p,
// returning how many bytes of the prefix of p have been fully scanned.
// A possible match truncated by the end of p holds back the tail
// unless eof indicates no more bytes will arrive.
// The offsets of occurrences are appended to offsets.
func replaceInChunk(old, new string, offsets []int64, start int64, p []byte, eof bool) (int, []int64) {
	if old == "" {
		return len(p), offsets
	}

	nprocessed := 0
	searchEnd := len(p)
	if eof {
		searchEnd = max(0, len(p)-len(old)+1)
	}
	for {
		i := bytes.IndexByte(p[nprocessed:searchEnd], old[0])
		if i == -1 {
			return len(p), offsets
		}
		// The string conversions below do not allocate.
		switch rest := p[nprocessed+i:]; {
		case len(old) <= len(rest) && string(rest[1:len(old)]) == old[1:]:
			offsets = append(offsets, start+int64(nprocessed+i))
			copy(rest[:len(old)], new)
			nprocessed += i + len(old)
		case len(old) > len(rest) && string(rest[1:]) == old[1:len(rest)]:
			// Partial match at the end of the chunk.
			nprocessed += i
			return nprocessed, offsets
		default:
			nprocessed += i + 1
		}
	}
}

func readAtLeast1(r io.Reader, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}
	for i := 0; n == 0 && err == nil && i < 100; i++ {
		n, err = r.Read(buf[n:])
	}
	if n == 0 && err == nil {
		err = io.ErrNoProgress
	}
	return
}
