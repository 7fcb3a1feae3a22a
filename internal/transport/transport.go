// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport implements the byte-level half of the instrument
// protocol engine: scoped open/close, per-operation deadlines, and the
// line-framing read primitives every command builds on. The concrete
// byte pump (named pipe, USB-serial, TCP tunnel) is an external
// collaborator supplied as a Dialer -- this package only knows how to
// talk to whatever io.ReadWriteCloser the Dialer hands back.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ulfsri/alicat-daq/pkg/log"
)

// EOL is the single-byte end-of-line sentinel every instrument frame
// uses, host-to-device and device-to-host alike.
const EOL = 0x0D

// ValidBauds is the closed set of baud rates the wire protocol
// supports.
var ValidBauds = []int{2400, 4800, 9600, 19200, 38400, 57600, 115200}

// Errors returned by Transport operations. All are sentinel-comparable
// with errors.Is; Timeout and Decode additionally wrap a
// device-specific detail via fmt.Errorf("%w: ...").
var (
	ErrTimeout         = errors.New("transport: timeout")
	ErrDecode          = errors.New("transport: decode error")
	ErrTransportClosed = errors.New("transport: closed")
)

// Conn is the subset of net.Conn a concrete serial/pipe/tunnel
// implementation must provide. A real USB-serial or named-pipe
// backend, or a TCP tunnel, satisfies this trivially; tests use
// net.Pipe.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Dialer opens the concrete byte stream for a Config. Left unimplemented
// here on purpose: the transport contract, not the transport itself,
// is in scope.
type Dialer func(cfg Config) (Conn, error)

// Config describes one serial link.
type Config struct {
	Port string

	// Baud must be one of ValidBauds; zero means DefaultBaud.
	Baud int

	// DataBits, StopBits, Parity and FlowControl are carried for
	// completeness and handed to the Dialer; the protocol always
	// uses 8-N-1 with no flow control.
	DataBits    int
	StopBits    int
	Parity      string
	FlowControl string

	// TimeoutMS bounds every read/write. Zero means DefaultTimeoutMS.
	TimeoutMS int
}

const (
	DefaultBaud      = 115200
	DefaultTimeoutMS = 150
)

// Normalize fills in defaults and validates the configured baud rate.
func (c Config) Normalize() (Config, error) {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = DefaultTimeoutMS
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	valid := false
	for _, b := range ValidBauds {
		if b == c.Baud {
			valid = true
			break
		}
	}
	if !valid {
		return c, fmt.Errorf("transport: invalid baud %d, must be one of %v", c.Baud, ValidBauds)
	}
	return c, nil
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Transport owns exactly one Conn for its lifetime: opened once by
// Open, closed once by Close. No operation implicitly reopens it.
type Transport struct {
	cfg    Config
	dial   Dialer
	conn   Conn
	mu     sync.Mutex
	limit  *rate.Limiter
	closed bool
}

// New builds a Transport bound to cfg and dial but does not open it
// yet. limitPerSecond caps how many write_read_* round trips may be
// issued per second against this link; pass 0 to disable the limiter.
func New(cfg Config, dial Dialer, limitPerSecond float64) (*Transport, error) {
	norm, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if limitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(limitPerSecond), 1)
	}
	return &Transport{cfg: norm, dial: dial, limit: limiter}, nil
}

// Open acquires the underlying connection. Must be called before any
// other operation; calling it twice without an intervening Close is a
// programmer error and returns an "already open" error.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return fmt.Errorf("transport: %s already open", t.cfg.Port)
	}
	conn, err := t.dial(t.cfg)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", t.cfg.Port, err)
	}
	t.conn = conn
	t.closed = false
	log.Debugf("transport: opened %s at %d baud", t.cfg.Port, t.cfg.Baud)
	return nil
}

// Close releases the underlying connection. Safe to call on an
// already-closed Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.closed = true
	return err
}

// Reopen closes the current connection (if any) and re-opens it with
// a new baud rate. Alicat firmware drops the link the instant it
// accepts an NCB baud-change command, so the handle must redial at the
// new rate rather than assume the old connection survives.
func (t *Transport) Reopen(ctx context.Context, baud int) error {
	t.mu.Lock()
	cfg := t.cfg
	cfg.Baud = baud
	norm, err := cfg.Normalize()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.cfg = norm
	t.mu.Unlock()
	return t.Open(ctx)
}

func (t *Transport) waitTurn(ctx context.Context) error {
	if t.limit == nil {
		return nil
	}
	return t.limit.Wait(ctx)
}

func (t *Transport) deadline() time.Time {
	return time.Now().Add(t.cfg.timeout())
}

// Write sends payload followed by the EOL sentinel. Partial writes are
// never retried; a short write before the deadline is reported as-is.
func (t *Transport) Write(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrTransportClosed
	}
	if err := t.conn.SetDeadline(t.deadline()); err != nil {
		return err
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, EOL)
	n, err := t.conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: write to %s", ErrTimeout, t.cfg.Port)
		}
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("transport: short write to %s (%d of %d bytes)", t.cfg.Port, n, len(buf))
	}
	return nil
}

// Read returns up to n bytes, or ErrTimeout if none arrive before the
// deadline.
func (t *Transport) Read(ctx context.Context, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrTransportClosed
	}
	if err := t.conn.SetDeadline(t.deadline()); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := t.conn.Read(buf)
	if err != nil && read == 0 {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: read from %s", ErrTimeout, t.cfg.Port)
		}
		return nil, err
	}
	return buf[:read], nil
}

// readByte reads exactly one byte, honoring the configured deadline.
// Callers already hold t.mu.
func (t *Transport) readByte() (byte, error) {
	if err := t.conn.SetDeadline(t.deadline()); err != nil {
		return 0, err
	}
	var b [1]byte
	n, err := t.conn.Read(b[:])
	if err != nil && n == 0 {
		if isTimeout(err) {
			return 0, fmt.Errorf("%w: read from %s", ErrTimeout, t.cfg.Port)
		}
		return 0, err
	}
	return b[0], nil
}

// ReadLine accumulates bytes until EOL is observed, or fails with
// ErrTimeout if the deadline elapses with zero bytes received.
func (t *Transport) ReadLine(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return "", ErrTransportClosed
	}
	return t.readLineLocked()
}

func (t *Transport) readLineLocked() (string, error) {
	var line []byte
	for {
		b, err := t.readByte()
		if err != nil {
			if len(line) == 0 {
				return "", err
			}
			// Partial line on deadline elapse: discard the buffer, report timeout.
			return "", fmt.Errorf("%w: partial line from %s", ErrTimeout, t.cfg.Port)
		}
		if b == EOL {
			if !isASCII(line) {
				return "", fmt.Errorf("%w: non-ASCII byte in line from %s", ErrDecode, t.cfg.Port)
			}
			return string(line), nil
		}
		line = append(line, b)
	}
}

// ReadAll reads until an inter-byte gap of one deadline elapses, then
// splits the accumulated bytes on EOL.
func (t *Transport) ReadAll(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrTransportClosed
	}
	var lines []string
	var cur []byte
	for {
		b, err := t.readByte()
		if err != nil {
			break
		}
		if b == EOL {
			if !isASCII(cur) {
				return nil, fmt.Errorf("%w: non-ASCII byte in line from %s", ErrDecode, t.cfg.Port)
			}
			lines = append(lines, string(cur))
			cur = nil
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		if !isASCII(cur) {
			return nil, fmt.Errorf("%w: non-ASCII byte in line from %s", ErrDecode, t.cfg.Port)
		}
		lines = append(lines, string(cur))
	}
	return lines, nil
}

// WriteReadLine atomically writes cmd and reads the single-line reply.
func (t *Transport) WriteReadLine(ctx context.Context, cmd string) (string, error) {
	if err := t.waitTurn(ctx); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return "", ErrTransportClosed
	}
	if err := t.writeLocked(cmd); err != nil {
		return "", err
	}
	return t.readLineLocked()
}

// WriteReadAll atomically writes cmd and reads the multi-line reply.
func (t *Transport) WriteReadAll(ctx context.Context, cmd string) ([]string, error) {
	if err := t.waitTurn(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrTransportClosed
	}
	if err := t.writeLocked(cmd); err != nil {
		return nil, err
	}
	var lines []string
	var cur []byte
	for {
		b, err := t.readByte()
		if err != nil {
			break
		}
		if b == EOL {
			if !isASCII(cur) {
				return nil, fmt.Errorf("%w: non-ASCII byte in line from %s", ErrDecode, t.cfg.Port)
			}
			lines = append(lines, string(cur))
			cur = nil
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		if !isASCII(cur) {
			return nil, fmt.Errorf("%w: non-ASCII byte in line from %s", ErrDecode, t.cfg.Port)
		}
		lines = append(lines, string(cur))
	}
	return lines, nil
}

// writeLocked assumes t.mu is held and t.conn != nil.
func (t *Transport) writeLocked(cmd string) error {
	if err := t.conn.SetDeadline(t.deadline()); err != nil {
		return err
	}
	buf := append([]byte(cmd), EOL)
	n, err := t.conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: write to %s", ErrTimeout, t.cfg.Port)
		}
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("transport: short write to %s (%d of %d bytes)", t.cfg.Port, n, len(buf))
	}
	return nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

type timeouter interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeouter
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
