package executor

// capture keeps the first limit bytes written to it and silently drops the rest.
// It never returns an error so the copying goroutine keeps draining the pipe.
type capture struct {
	buf       []byte
	limit     int
	truncated bool
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	room := c.limit - len(c.buf)
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *capture) Bytes() []byte {
	return c.buf
}
