package fetch

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestChunks_UnderLimit(t *testing.T) {
	c := NewChunks(iotest.OneByteReader(strings.NewReader("abcdef")), 6)
	var got bytes.Buffer
	for {
		b, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got.Write(b)
	}
	if got.String() != "abcdef" || c.Total() != 6 {
		t.Fatalf("got %q total=%d", got.String(), c.Total())
	}
}

func TestChunks_OverLimitSticky(t *testing.T) {
	// WHAT: Crossing the cap fails the chunk that crossed it and every call after.
	c := NewChunks(iotest.OneByteReader(strings.NewReader("abcdef")), 3)
	for i := 0; i < 3; i++ {
		if _, err := c.Next(); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	if _, err := c.Next(); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
	if _, err := c.Next(); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error not sticky: %v", err)
	}
}

func TestReadAll_DiscardsPartial(t *testing.T) {
	data, err := ReadAll(strings.NewReader(strings.Repeat("z", 100)), 99)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v", err)
	}
	if data != nil {
		t.Fatalf("partial data returned: %d bytes", len(data))
	}

	data, err = ReadAll(strings.NewReader("ok"), 2)
	if err != nil || string(data) != "ok" {
		t.Fatalf("got %q %v", data, err)
	}
}

func TestReadAll_ReaderError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ReadAll(iotest.ErrReader(boom), 10)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}
