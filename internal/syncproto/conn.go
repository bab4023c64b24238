package syncproto

import (
	"errors"
	"net"
	"os"
	"time"
)

// Conn bounds every read and write on a stream connection with a deadline.
//
// The first read of a cycle waits up to IdleTimeout. Once any byte of the
// cycle has arrived, each further read waits up to FrameTimeout, so a peer
// that stalls mid-frame is distinguishable from one that is simply idle.
type Conn struct {
	net.Conn

	IdleTimeout  time.Duration
	FrameTimeout time.Duration
	WriteTimeout time.Duration

	inFrame bool
}

func NewConn(c net.Conn, idle, frame, write time.Duration) *Conn {
	return &Conn{
		Conn:         c,
		IdleTimeout:  idle,
		FrameTimeout: frame,
		WriteTimeout: write,
	}
}

// Begin starts a new request cycle. The next read uses IdleTimeout.
func (c *Conn) Begin() {
	c.inFrame = false
}

func (c *Conn) Read(p []byte) (int, error) {
	timeout := c.IdleTimeout
	if c.inFrame {
		timeout = c.FrameTimeout
	}
	if err := setDeadline(c.Conn.SetReadDeadline, timeout); err != nil {
		return 0, err
	}

	n, err := c.Conn.Read(p)
	if n > 0 {
		c.inFrame = true
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := setDeadline(c.Conn.SetWriteDeadline, c.WriteTimeout); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// Idle reports whether err is a read timeout that expired before the first
// byte of the cycle, meaning the peer had nothing to send.
func (c *Conn) Idle(err error) bool {
	return !c.inFrame && IsTimeout(err)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func setDeadline(set func(time.Time) error, d time.Duration) error {
	if d <= 0 {
		return set(time.Time{})
	}
	return set(time.Now().Add(d))
}
