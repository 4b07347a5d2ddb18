package main

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"
)

var tcpLogger = loggo.GetLogger("tcp")

// ConnState tracks the terminal connection lifecycle.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// Typed connect failures, so callers can schedule a retry instead of
// treating every failure as fatal.
var (
	ErrInvalidAddr    = errors.New("invalid terminal address")
	ErrConnectTimeout = errors.New("terminal connect timeout")
	ErrConnectRefused = errors.New("terminal connection refused")
	ErrNotConnected   = errors.New("not connected to terminal")
)

// How long a single blocking read waits before re-checking the quit channel.
const readPollInterval = 200 * time.Millisecond

// frameHandler receives every decoded inbound frame from the read loop.
type frameHandler func(TermResp)

// stateHandler is notified when the terminal link comes up or goes down.
type stateHandler func(connected bool)

// TermConn owns the one TCP connection to the terminal. In client mode it
// dials the terminal; in server mode it listens and the terminal dials in,
// a new accepted connection superseding the previous one. At most one
// socket is live at a time.
type TermConn struct {
	mode           string // "client" or "server"
	addr           string
	connectTimeout time.Duration
	reconnectDelay time.Duration
	onFrame        frameHandler
	onState        stateHandler // optional

	// Guards state transitions and the conn handle.
	mu        sync.Mutex
	conn      net.Conn
	state     ConnState
	connected bool

	// Serializes byte writes so two outbound frames never interleave.
	writeMu sync.Mutex

	ln       net.Listener
	quit     chan struct{}
	quitOnce sync.Once
}

func newTermConn(cfg *config, handler frameHandler) *TermConn {
	addr := net.JoinHostPort(cfg.TerminalHost, cfg.TCPPort)
	if cfg.Mode == "server" {
		// The terminal dials in; listen on all interfaces.
		addr = ":" + cfg.TCPPort
	}
	return &TermConn{
		mode:           cfg.Mode,
		addr:           addr,
		connectTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		reconnectDelay: time.Duration(cfg.ReconnectIntervalSec) * time.Second,
		onFrame:        handler,
		quit:           make(chan struct{}),
	}
}

// Connect establishes the terminal link. In client mode it dials with a
// bounded timeout; in server mode it binds the listening socket and starts
// the accept loop.
func (t *TermConn) Connect() error {
	if t.mode == "server" {
		return t.listen()
	}
	return t.dial()
}

func (t *TermConn) dial() error {
	t.mu.Lock()
	if t.connected && t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	tcpLogger.Infof("connecting to terminal at %v", t.addr)
	conn, err := net.DialTimeout("tcp", t.addr, t.connectTimeout)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return classifyDialErr(err)
	}
	t.adopt(conn)
	tcpLogger.Infof("connected to terminal at %v", t.addr)
	return nil
}

func (t *TermConn) listen() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return classifyDialErr(err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	tcpLogger.Infof("listening for terminal connections at %v", ln.Addr())
	go t.acceptLoop(ln)
	return nil
}

func (t *TermConn) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
			}
			tcpLogger.Warningf("accept failed: %v", err)
			continue
		}
		tcpLogger.Infof("terminal connected from %v", addr2IP(conn.RemoteAddr().String()))
		t.adopt(conn)
	}
}

// adopt installs conn as the live socket, closing and superseding any prior
// one, and starts its read loop.
func (t *TermConn) adopt(conn net.Conn) {
	t.mu.Lock()
	if old := t.conn; old != nil {
		tcpLogger.Warningf("superseding existing terminal connection %v",
			old.RemoteAddr())
		old.Close()
	}
	t.conn = conn
	t.connected = true
	t.state = StateConnected
	t.mu.Unlock()

	mTerminalConnects.Inc(1)
	t.notifyState(true)
	go t.readLoop(conn)
}

func (t *TermConn) notifyState(connected bool) {
	if t.onState != nil {
		t.onState(connected)
	}
}

// Addr reports the listener address in server mode. Useful when the
// configured port is 0.
func (t *TermConn) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return t.addr
	}
	return t.ln.Addr().String()
}

// Disconnect closes the live socket and flips to Disconnected. The
// listening socket (server mode) stays open for the next terminal.
func (t *TermConn) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.state = StateDisconnected
	live := t.conn != nil
	if live {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	if live {
		tcpLogger.Infof("disconnected from terminal")
		t.notifyState(false)
	}
}

// Reconnect is disconnect, a backoff delay, then connect. The delay aborts
// immediately on shutdown.
func (t *TermConn) Reconnect() error {
	t.Disconnect()
	select {
	case <-time.After(t.reconnectDelay):
	case <-t.quit:
		return ErrNotConnected
	}
	if t.mode == "server" {
		// The terminal dials us; nothing to do but wait for the accept.
		return ErrNotConnected
	}
	return t.dial()
}

// IsConnected is true only when both the internal flag and the socket
// handle agree, so a silent peer close can't leave a stale "connected".
func (t *TermConn) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.conn != nil
}

func (t *TermConn) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Write sends one whole encoded frame. Frames are never interleaved: the
// write lock covers the full buffer.
func (t *TermConn) Write(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	conn := t.conn
	ok := t.connected
	t.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(frame); err != nil {
		tcpLogger.Warningf("write to terminal failed: %v", err)
		t.dropConn(conn)
		return err
	}
	return nil
}

// Stop terminates the read loop, closes the live socket and, in server
// mode, the listener, so no new terminal connections are accepted.
func (t *TermConn) Stop() {
	t.quitOnce.Do(func() { close(t.quit) })
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	t.Disconnect()
}

// readLoop reads frames from conn for its lifetime. Reads use a short
// deadline per iteration so the quit channel is checked promptly. On clean
// peer close or a fatal socket error the loop drops the connection and
// exits; transient errors log and retry after a short backoff.
func (t *TermConn) readLoop(conn net.Conn) {
	buf := make([]byte, 256)
	for {
		select {
		case <-t.quit:
			return
		default:
		}
		if !t.owns(conn) {
			// Superseded by a newer connection.
			return
		}
		conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			t.onFrame(ParseTermResp(msg))
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // poll tick, no data
			}
			if isPeerClosed(err) {
				tcpLogger.Infof("terminal closed the connection")
				t.dropConn(conn)
				return
			}
			tcpLogger.Warningf("terminal read failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-t.quit:
				return
			}
			continue
		}
		if n == 0 {
			t.dropConn(conn)
			return
		}
	}
}

// owns reports whether conn is still the live socket.
func (t *TermConn) owns(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn == conn
}

// dropConn flips to Disconnected, but only if conn is still the live
// socket; a superseded connection must not tear down its successor.
func (t *TermConn) dropConn(conn net.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.state = StateDisconnected
	t.conn.Close()
	t.conn = nil
	t.mu.Unlock()
	t.notifyState(false)
}

func classifyDialErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrConnectTimeout
	}
	var ae *net.AddrError
	if errors.As(err, &ae) {
		return ErrInvalidAddr
	}
	msg := err.Error()
	if strings.Contains(msg, "refused") {
		return ErrConnectRefused
	}
	if strings.Contains(msg, "missing port") || strings.Contains(msg, "too many colons") {
		return ErrInvalidAddr
	}
	return err
}

// isPeerClosed reports whether err means the peer is gone for good, as
// opposed to a transient fault worth retrying on the same socket.
func isPeerClosed(err error) bool {
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection aborted")
}
