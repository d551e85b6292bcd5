package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf    bytes.Buffer
		expStr = "the quick brown fox jumps over the lazy dog"
		rb     ringBuffer
	)

	t.Run("read/write", func(t *testing.T) {
		rb.wIndex, rb.rIndex = 0, 0
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}
		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}
		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("write moves read pointer once full", func(t *testing.T) {
		rb.wIndex, rb.rIndex = ringBufferSize-1, 0
		if _, err := rb.Write([]byte{'!'}); err != nil {
			t.Fatal(err)
		}
		if exp := 1; rb.rIndex != exp {
			t.Fatalf("expected write to push rIndex to %d; got %d", exp, rb.rIndex)
		}
	})

	t.Run("wIndex wraps past rIndex", func(t *testing.T) {
		rb.wIndex, rb.rIndex = ringBufferSize-2, ringBufferSize-2
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}
		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}
		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("with io.Copy", func(t *testing.T) {
		rb.wIndex, rb.rIndex = ringBufferSize-2, ringBufferSize-2
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}
		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		var out bytes.Buffer
		io.Copy(&out, &rb)
		if got := out.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("empty buffer reports EOF", func(t *testing.T) {
		rb.wIndex, rb.rIndex = 0, 0
		n, err := rb.Read(make([]byte, 8))
		if err != io.EOF || n != 0 {
			t.Fatalf("expected (0, io.EOF) from an empty ring buffer; got (%d, %v)", n, err)
		}
	})
}

func readByteByByte(buf *bytes.Buffer, r io.Reader) string {
	buf.Reset()
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err == io.EOF {
			break
		}
		buf.Write(b)
	}
	return buf.String()
}
