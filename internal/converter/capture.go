package converter

import (
	"bytes"
	"sync"
)

// DefaultMaxOutput caps captured subprocess output.
const DefaultMaxOutput = 16 << 20

// cappedBuffer keeps at most max bytes and discards the rest. Writes never fail.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = DefaultMaxOutput
	}
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.max - c.buf.Len()
	switch {
	case remaining <= 0:
		if len(p) > 0 {
			c.truncated = true
		}
	case len(p) > remaining:
		c.buf.Write(p[:remaining])
		c.truncated = true
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}
