package fetch

import (
	"bytes"
	"fmt"
	"io"
)

const chunkSize = 32 * 1024

// Chunks is a pull-based reader that enforces a byte cap on every chunk.
type Chunks struct {
	r     io.Reader
	buf   []byte
	max   int64
	total int64
	err   error
}

// NewChunks wraps r with a cap of max bytes.
func NewChunks(r io.Reader, max int64) *Chunks {
	return &Chunks{r: r, buf: make([]byte, chunkSize), max: max}
}

// Next returns the next chunk. The slice is only valid until the next call.
// It returns io.EOF once r is drained and an ErrTooLarge error as soon as the
// running total exceeds the cap; both are sticky.
func (c *Chunks) Next() ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	for {
		n, err := c.r.Read(c.buf)
		if n > 0 {
			c.total += int64(n)
			if c.total > c.max {
				c.err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.max)
				return nil, c.err
			}
			if err != nil {
				c.err = err
			}
			return c.buf[:n], nil
		}
		if err != nil {
			c.err = err
			return nil, err
		}
	}
}

// Total is the number of bytes accepted so far.
func (c *Chunks) Total() int64 { return c.total }

// ReadAll drains r through Chunks. On ErrTooLarge the bytes already read are
// discarded.
func ReadAll(r io.Reader, max int64) ([]byte, error) {
	c := NewChunks(r, max)
	var out bytes.Buffer
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		out.Write(chunk)
	}
}
