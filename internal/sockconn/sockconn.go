// Package sockconn provides a non-blocking TCP connection wrapper used
// by the session tasklet. A tasklet Step must never block, so instead of
// net.Conn's blocking Read/Write this wraps the connection's raw file
// descriptor and performs reads/writes that return immediately with
// (0, nil) on EAGAIN, the Go equivalent of the reference
// implementation's PLCTAG_ERR_NO_DATA "try again later" status.
package sockconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a non-blocking TCP connection.
type Conn struct {
	nc  net.Conn
	raw syscall.RawConn
}

// Dial opens a non-blocking TCP connection to host:port. Unlike
// net.Dial, the connect itself still happens synchronously (mirrors the
// reference implementation's socket_connect_tcp, which is also a
// blocking connect call); only the post-connect Read/Write calls are
// non-blocking.
func Dial(ctx context.Context, host string, port int) (*Conn, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}

	tc, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("sockconn: expected *net.TCPConn, got %T", nc)
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)

	raw, err := tc.SyscallConn()
	if err != nil {
		nc.Close()
		return nil, err
	}

	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	if setErr != nil {
		nc.Close()
		return nil, setErr
	}

	return &Conn{nc: nc, raw: raw}, nil
}

// Write attempts to write p without blocking. A partial or zero-length
// write with a nil error is not an error: the caller (Session.doIO)
// is expected to retry on the next tasklet pass.
func (c *Conn) Write(p []byte) (int, error) {
	var n int
	var opErr error
	err := c.raw.Write(func(fd uintptr) bool {
		written, werr := unix.Write(int(fd), p)
		if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
			n, opErr = 0, nil
			return true // never wait for writability inside a tasklet step
		}
		n, opErr = written, werr
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, opErr
	}
	return n, nil
}

// Read attempts to read into p without blocking. Returning (0, nil)
// means "no data available right now", matching PLCTAG_ERR_NO_DATA
// being treated as a non-error by the session handler. A real
// zero-length read with no error means the peer closed its end, which
// is reported as io.EOF rather than conflated with the "try again"
// case, or the session tasklet would spin forever against a dead
// socket instead of moving to its error state.
func (c *Conn) Read(p []byte) (int, error) {
	var n int
	var opErr error
	err := c.raw.Read(func(fd uintptr) bool {
		read, rerr := unix.Read(int(fd), p)
		switch {
		case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK:
			n, opErr = 0, nil
		case rerr == nil && read == 0:
			n, opErr = 0, io.EOF
		default:
			n, opErr = read, rerr
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, opErr
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
