// Package protocol implements the newline-terminated, line-oriented
// worker wire protocol from spec §6: one ASCII command line per
// message, optionally followed by a binary payload whose length the
// header line declares.
package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// Default timeouts from §5.
const (
	DefaultShortTimeout = 5 * time.Second
	DefaultLongTimeout  = 30 * time.Second
	MinTransferTimeout  = 10 * time.Second
)

// Conn wraps a net.Conn with line framing and rate-limited binary
// transfer helpers. It is not safe for concurrent use by multiple
// goroutines issuing independent reads or writes; per §5 all
// mutation of a single worker's state happens from the serialized
// dispatcher, so each Conn is owned by exactly one logical reader and
// one logical writer at a time.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader
	// Limiter, when non-nil, caps outbound and inbound transfer rate
	// (the bandwidth-limit knob referenced in §4.4/§4.5).
	Limiter *rate.Limiter
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, reader: bufio.NewReaderSize(nc, 64*1024)}
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// ReadLine reads one newline-terminated line with the given timeout,
// trimming the trailing "\n" (and a preceding "\r", if present).
func (c *Conn) ReadLine(timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = trimEOL(line)
	return line, nil
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// WriteLine writes one line terminated with "\n", within the timeout.
func (c *Conn) WriteLine(timeout time.Duration, line string) error {
	if timeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.nc.Write([]byte(line + "\n"))
	return err
}

// WriteLinef is WriteLine with fmt.Sprintf formatting.
func (c *Conn) WriteLinef(timeout time.Duration, format string, args ...any) error {
	return c.WriteLine(timeout, fmt.Sprintf(format, args...))
}

// TransferTimeout computes the stoptime for a transfer of the given
// size, per §4.4/§5: a configurable minimum plus size/rate.
func TransferTimeout(size int64, minTimeout time.Duration, bytesPerSecond int64) time.Duration {
	if bytesPerSecond <= 0 {
		return minTimeout
	}
	return minTimeout + time.Duration(size/bytesPerSecond)*time.Second
}

// CopyN streams exactly n bytes from r to w, applying the connection's
// rate limiter (if set) in fixed-size chunks, and returns the number
// of bytes copied. It treats a short read as a transfer abort, the
// caller converts that into a worker-loss outcome per §4.4.
func (c *Conn) CopyN(w io.Writer, r io.Reader, n int64) (int64, error) {
	const chunk = 64 * 1024
	var copied int64
	buf := make([]byte, chunk)
	for copied < n {
		want := int64(chunk)
		if remaining := n - copied; remaining < want {
			want = remaining
		}
		read, err := io.ReadFull(r, buf[:want])
		copied += int64(read)
		if err != nil {
			return copied, err
		}
		if c.Limiter != nil {
			if err := c.Limiter.WaitN(context.Background(), read); err != nil {
				return copied, err
			}
		}
		if _, err := w.Write(buf[:read]); err != nil {
			return copied, err
		}
	}
	return copied, nil
}

// ReadN reads exactly n bytes from the connection's buffered reader
// into w, honoring the deadline and rate limiter.
func (c *Conn) ReadN(w io.Writer, n int64, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	return c.CopyN(w, c.reader, n)
}

// WriteN writes exactly n bytes from r to the connection, honoring the
// deadline and rate limiter.
func (c *Conn) WriteN(r io.Reader, n int64, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	return c.CopyN(c.nc, r, n)
}
