package core

import (
	"errors"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/flowgate/flowgate/internal/intercept"
	"github.com/flowgate/flowgate/pkg/xlog"
)

// Listener wraps a net.Listener so that every accepted connection goes
// through admission control, without the caller touching raw descriptors.
// It is the in-process equivalent of interposing the accept call.
type Listener struct {
	inner net.Listener
	hooks *intercept.Hooks
}

func NewListener(inner net.Listener, hooks *intercept.Hooks) *Listener {
	return &Listener{inner: inner, hooks: hooks}
}

// Accept accepts from the wrapped listener and classifies the connection. An
// admission failure is reported as an accept error while the underlying
// connection is left open, matching the raw interposition contract.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}

	fd, err := connFD(c)
	if err != nil {
		xlog.Warnf("cannot take descriptor of %s, leaving unmanaged: %v", c.RemoteAddr(), err)
		return c, nil
	}

	if err := l.hooks.Adopt(fd, isIPv4(c.RemoteAddr())); err != nil {
		return nil, err
	}
	return &Conn{Conn: c, fd: fd, hooks: l.hooks}, nil
}

func (l *Listener) Close() error { return l.inner.Close() }

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// Conn is a managed connection. Closing it deregisters the flow and clears
// any kernel-side pause state.
type Conn struct {
	net.Conn
	fd       int
	hooks    *intercept.Hooks
	released atomic.Bool
}

// Close delegates to the wrapped connection first; bookkeeping runs only if
// that succeeds and never alters the returned value.
func (c *Conn) Close() error {
	if err := c.Conn.Close(); err != nil {
		return err
	}
	if c.released.CompareAndSwap(false, true) {
		c.hooks.Release(c.fd)
	}
	return nil
}

// FD returns the connection's descriptor.
func (c *Conn) FD() int { return c.fd }

// connFD extracts the descriptor backing a net.Conn.
func connFD(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, errors.New("connection does not expose a descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func isIPv4(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcp.IP.To4() != nil
}
