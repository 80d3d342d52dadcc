// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"io"
)

// BlockBuffer is a bytes.Buffer-like reader and writer over a single block.
// It never grows: its capacity is the length of the block it wraps, and writes
// that do not fit fail with ErrBufferFull after writing what does.
type BlockBuffer struct {
	buf []byte
	r   int // read offset
	w   int // write offset
}

// NewBlockBuffer returns an empty buffer that writes into block.
func NewBlockBuffer(block []byte) *BlockBuffer {
	return &BlockBuffer{buf: block[:len(block):len(block)]}
}

// compact moves the unread bytes to the front when that makes room for n more.
func (b *BlockBuffer) compact(n int) {
	if b.r == 0 || len(b.buf)-b.w >= n {
		return
	}
	copy(b.buf, b.buf[b.r:b.w])
	b.w -= b.r
	b.r = 0
}

// Write implements io.Writer.
func (b *BlockBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.compact(len(p))
	n := copy(b.buf[b.w:], p)
	b.w += n
	if n < len(p) {
		return n, ErrBufferFull
	}
	return n, nil
}

// WriteByte writes a single byte to the buffer.
func (b *BlockBuffer) WriteByte(c byte) error {
	b.compact(1)
	if b.w == len(b.buf) {
		return ErrBufferFull
	}
	b.buf[b.w] = c
	b.w++
	return nil
}

// WriteString writes a string to the buffer.
func (b *BlockBuffer) WriteString(s string) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}
	b.compact(len(s))
	n := copy(b.buf[b.w:], s)
	b.w += n
	if n < len(s) {
		return n, ErrBufferFull
	}
	return n, nil
}

// WriteTo implements io.WriterTo. It writes the unread portion to w.
func (b *BlockBuffer) WriteTo(w io.Writer) (int64, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	m, err := w.Write(b.buf[b.r:b.w])
	b.r += m
	remaining := b.Len()
	if remaining == 0 {
		b.Reset()
	}
	if err == nil && remaining > 0 {
		err = io.ErrShortWrite
	}
	return int64(m), err
}

// Read implements io.Reader.
func (b *BlockBuffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		b.Reset()
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.r:b.w])
	b.r += n
	return n, nil
}

// ReadByte reads and returns the next byte from the buffer.
func (b *BlockBuffer) ReadByte() (byte, error) {
	if b.Len() == 0 {
		b.Reset()
		return 0, io.EOF
	}
	c := b.buf[b.r]
	b.r++
	return c, nil
}

// ReadFrom implements io.ReaderFrom. It reads from r until EOF or until the
// block is full, in which case ErrBufferFull is returned.
func (b *BlockBuffer) ReadFrom(r io.Reader) (int64, error) {
	var n int64
	for {
		b.compact(len(b.buf))
		if b.w == len(b.buf) {
			return n, ErrBufferFull
		}
		m, err := r.Read(b.buf[b.w:])
		b.w += m
		n += int64(m)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// Next returns a slice containing the next n bytes from the buffer,
// advancing the buffer as if the bytes had been returned by Read.
// The slice is only valid until the next write.
func (b *BlockBuffer) Next(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	if n <= 0 {
		return []byte{}
	}
	p := b.buf[b.r : b.r+n]
	b.r += n
	return p
}

// Bytes returns a slice holding the unread portion of the buffer.
// The slice is valid for use only until the next buffer modification.
func (b *BlockBuffer) Bytes() []byte {
	return b.buf[b.r:b.w]
}

// String returns the unread portion of the buffer as a string.
func (b *BlockBuffer) String() string {
	return string(b.buf[b.r:b.w])
}

// Len returns the number of unread bytes.
func (b *BlockBuffer) Len() int {
	return b.w - b.r
}

// Cap returns the size of the underlying block.
func (b *BlockBuffer) Cap() int {
	return len(b.buf)
}

// Available returns how many bytes can still be written.
func (b *BlockBuffer) Available() int {
	return len(b.buf) - b.Len()
}

// Reset empties the buffer. The block contents are left in place.
func (b *BlockBuffer) Reset() {
	b.r = 0
	b.w = 0
}

// Truncate discards all but the first n unread bytes from the buffer.
// It panics if n is negative or greater than the length of the buffer.
func (b *BlockBuffer) Truncate(n int) {
	if n < 0 || n > b.Len() {
		panic("refring: truncation out of range")
	}
	b.w = b.r + n
}
