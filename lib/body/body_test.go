package body

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSize(t *testing.T) {
	tests := []struct {
		name   string
		size   Size
		eof    bool
		length int64
		str    string
	}{
		{"none", SizeNone, true, 0, "none"},
		{"empty", SizeEmpty, true, 0, "empty"},
		{"sized zero normalises", Sized(0), true, 0, "empty"},
		{"sized", Sized(42), false, 42, "sized(42)"},
		{"stream", SizeStream, false, -1, "stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.size.IsEOF(); got != tt.eof {
				t.Errorf("IsEOF() = %v, want %v", got, tt.eof)
			}
			if got := tt.size.Length(); got != tt.length {
				t.Errorf("Length() = %d, want %d", got, tt.length)
			}
			if got := tt.size.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
		})
	}
}

func TestStockBodies(t *testing.T) {
	ctx := context.Background()

	if _, err := None().Next(ctx); err != io.EOF {
		t.Errorf("None().Next() error = %v, want io.EOF", err)
	}
	if None().Size() != SizeNone {
		t.Error("None() should report SizeNone")
	}
	if _, err := Empty().Next(ctx); err != io.EOF {
		t.Errorf("Empty().Next() error = %v, want io.EOF", err)
	}

	b := String("hello")
	if b.Size() != Sized(5) {
		t.Errorf("String size = %v, want sized(5)", b.Size())
	}
	data, err := ReadAll(ctx, b)
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadAll() = %q, %v", data, err)
	}
	if _, err := b.Next(ctx); err != io.EOF {
		t.Error("exhausted body should return io.EOF")
	}
}

func TestChunks(t *testing.T) {
	ctx := context.Background()
	b := Chunks([]byte("a"), nil, []byte("bc"), []byte{})

	if b.Size() != SizeStream {
		t.Errorf("Chunks size = %v, want stream", b.Size())
	}

	var got []string
	for {
		chunk, err := b.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, string(chunk))
	}
	if strings.Join(got, "|") != "a|bc" {
		t.Errorf("chunks = %v, want [a bc]", got)
	}
}

func TestReader(t *testing.T) {
	ctx := context.Background()

	sized := Reader(strings.NewReader("payload"), 7)
	if sized.Size() != Sized(7) {
		t.Errorf("size = %v, want sized(7)", sized.Size())
	}
	data, err := ReadAll(ctx, sized)
	if err != nil || string(data) != "payload" {
		t.Fatalf("ReadAll() = %q, %v", data, err)
	}

	stream := Reader(strings.NewReader(strings.Repeat("x", DefaultChunkSize+10)), -1)
	if stream.Size() != SizeStream {
		t.Errorf("size = %v, want stream", stream.Size())
	}
	first, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	second, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(first)+len(second) != DefaultChunkSize+10 {
		t.Errorf("read %d bytes, want %d", len(first)+len(second), DefaultChunkSize+10)
	}
	if &first[0] == &second[0] {
		t.Error("chunks must not share a buffer")
	}
}

func TestReaderError(t *testing.T) {
	boom := errors.New("disk gone")
	b := Reader(io.MultiReader(strings.NewReader("ok"), errReader{boom}), -1)

	data, err := ReadAll(context.Background(), b)
	if !errors.Is(err, boom) {
		t.Fatalf("ReadAll() error = %v, want %v", err, boom)
	}
	if string(data) != "ok" {
		t.Errorf("partial data = %q, want %q", data, "ok")
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := String("x").Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
