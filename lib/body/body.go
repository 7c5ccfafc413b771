// Package body defines the contract every request and response body satisfies.
// A body reports a size hint, used to choose between Content-Length, chunked
// and no-body framing, and yields chunks until io.EOF.
package body

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Kind classifies a size hint.
type Kind int

const (
	// KindNone means the message has no body at all.
	KindNone Kind = iota
	// KindEmpty means the message has a body of zero length.
	KindEmpty
	// KindSized means the body length is known in advance.
	KindSized
	// KindStream means the body length is unknown until end of stream.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEmpty:
		return "empty"
	case KindSized:
		return "sized"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Size is the size hint of a body.
type Size struct {
	Kind Kind
	// N is the byte count for KindSized.
	N int64
}

// Stock size hints.
var (
	SizeNone   = Size{Kind: KindNone}
	SizeEmpty  = Size{Kind: KindEmpty}
	SizeStream = Size{Kind: KindStream}
)

// Sized returns a size hint of n bytes. Sized(0) is Empty.
func Sized(n int64) Size {
	if n == 0 {
		return SizeEmpty
	}
	return Size{Kind: KindSized, N: n}
}

// IsEOF reports whether the hint guarantees no body bytes.
func (s Size) IsEOF() bool {
	switch s.Kind {
	case KindNone, KindEmpty:
		return true
	case KindSized:
		return s.N == 0
	}
	return false
}

// Length returns the content length to advertise, or -1 when unknown.
func (s Size) Length() int64 {
	switch s.Kind {
	case KindNone, KindEmpty:
		return 0
	case KindSized:
		return s.N
	}
	return -1
}

func (s Size) String() string {
	if s.Kind == KindSized {
		return fmt.Sprintf("sized(%d)", s.N)
	}
	return s.Kind.String()
}

// MessageBody is implemented by every request and response body.
type MessageBody interface {
	// Size returns the size hint of the body.
	Size() Size
	// Next returns the next non-empty chunk, or io.EOF once the body is
	// exhausted. Any other error is a body production failure.
	Next(ctx context.Context) ([]byte, error)
}

type noneBody struct{}

func (noneBody) Size() Size                           { return SizeNone }
func (noneBody) Next(context.Context) ([]byte, error) { return nil, io.EOF }

// None returns a body that is absent.
func None() MessageBody { return noneBody{} }

type emptyBody struct{}

func (emptyBody) Size() Size                           { return SizeEmpty }
func (emptyBody) Next(context.Context) ([]byte, error) { return nil, io.EOF }

// Empty returns a zero-length body.
func Empty() MessageBody { return emptyBody{} }

type bytesBody struct {
	b    []byte
	done bool
}

// Bytes returns a sized body yielding b as a single chunk.
func Bytes(b []byte) MessageBody {
	return &bytesBody{b: b}
}

// String returns a sized body yielding s as a single chunk.
func String(s string) MessageBody {
	return &bytesBody{b: []byte(s)}
}

func (b *bytesBody) Size() Size { return Sized(int64(len(b.b))) }

func (b *bytesBody) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.done || len(b.b) == 0 {
		return nil, io.EOF
	}
	b.done = true
	return b.b, nil
}

type chunksBody struct {
	chunks [][]byte
}

// Chunks returns a streaming body of unknown size yielding the given chunks
// in order. Empty chunks are skipped.
func Chunks(chunks ...[]byte) MessageBody {
	return &chunksBody{chunks: chunks}
}

func (c *chunksBody) Size() Size { return SizeStream }

func (c *chunksBody) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for len(c.chunks) > 0 {
		chunk := c.chunks[0]
		c.chunks = c.chunks[1:]
		if len(chunk) > 0 {
			return chunk, nil
		}
	}
	return nil, io.EOF
}

// DefaultChunkSize is the read size used by Reader bodies.
const DefaultChunkSize = 16 << 10

type readerBody struct {
	r    io.Reader
	size Size
	buf  []byte
}

// Reader returns a body streaming from r. A negative size yields a
// streaming body of unknown length; otherwise the body is sized.
func Reader(r io.Reader, size int64) MessageBody {
	s := SizeStream
	if size >= 0 {
		s = Sized(size)
	}
	return &readerBody{r: r, size: s}
}

func (r *readerBody) Size() Size { return r.size }

func (r *readerBody) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.buf == nil {
		r.buf = make([]byte, DefaultChunkSize)
	}
	for {
		n, err := r.r.Read(r.buf)
		if n > 0 {
			// The chunk is handed off; the next read gets a fresh buffer.
			chunk := r.buf[:n]
			r.buf = nil
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadAll drains b into memory.
func ReadAll(ctx context.Context, b MessageBody) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := b.Next(ctx)
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(chunk)
	}
}
