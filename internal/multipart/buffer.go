package multipart

import (
	"bytes"
	"fmt"
)

// compactThreshold is the consumed prefix size after which Append moves the
// unread bytes back to the start of the backing array.
const compactThreshold = 64 * 1024

// Buffer is an append-only, trim-from-front byte accumulator.
//
// Offsets passed to and returned from Buffer methods are relative to the
// read cursor (the first unconsumed byte).
type Buffer struct {
	data []byte
	off  int

	// scan memo for Index: bytes before scanned have already been searched
	// for scanDelim and did not contain a full match.
	scanDelim []byte
	scanned   int
}

// Append copies chunk into the buffer.
func (b *Buffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if b.off > 0 && (b.off >= compactThreshold || b.off == len(b.data)) {
		n := copy(b.data, b.data[b.off:])
		b.data = b.data[:n]
		b.off = 0
	}
	b.data = append(b.data, chunk...)
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.off
}

// Bytes returns a view of the unread bytes. The view is only valid until the
// next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[b.off:]
}

// Index returns the offset of the first occurrence of delim at or after the
// read cursor, or -1 if it is not buffered yet.
//
// Repeated searches for the same delimiter only scan bytes appended since the
// previous miss, so a delimiter split across chunks costs O(1) per byte.
func (b *Buffer) Index(delim []byte) int {
	if len(delim) == 0 {
		return 0
	}
	start := 0
	if bytes.Equal(delim, b.scanDelim) {
		start = b.scanned - len(delim) + 1
		if start < 0 {
			start = 0
		}
	}

	unread := b.Bytes()
	if start > len(unread) {
		start = 0
	}
	if i := bytes.Index(unread[start:], delim); i >= 0 {
		b.resetScan()
		return start + i
	}

	b.scanDelim = append(b.scanDelim[:0], delim...)
	b.scanned = len(unread)
	return -1
}

// Take removes and returns exactly n bytes from the front. The returned slice
// is a copy and stays valid after further buffer mutation.
func (b *Buffer) Take(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrInsufficientData, n, b.Len())
	}
	out := make([]byte, n)
	copy(out, b.data[b.off:b.off+n])
	b.off += n
	b.resetScan()
	return out, nil
}

// DiscardThrough drops all bytes up to and including offset.
func (b *Buffer) DiscardThrough(offset int) {
	n := offset + 1
	if n > b.Len() {
		n = b.Len()
	}
	if n <= 0 {
		return
	}
	b.off += n
	b.resetScan()
}

// Retain drops everything except the last n unread bytes.
func (b *Buffer) Retain(n int) {
	if drop := b.Len() - n; drop > 0 {
		b.DiscardThrough(drop - 1)
	}
}

// Reset empties the buffer and releases its backing array.
func (b *Buffer) Reset() {
	b.data = nil
	b.off = 0
	b.resetScan()
}

func (b *Buffer) resetScan() {
	b.scanDelim = b.scanDelim[:0]
	b.scanned = 0
}
