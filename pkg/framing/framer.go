// Package framing splits a byte stream into delimiter-terminated text messages.
//
// The delimiter is fixed for the lifetime of a connection and must match the
// peer's convention exactly; a mismatch is not detected and results in merged
// or truncated messages.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
)

// Delimiter is the token terminating every message on a connection.
type Delimiter string

const (
	DelimiterNewline Delimiter = "\n"
	DelimiterStep    Delimiter = "STEP"

	DefaultReadSize = 1024
)

// ParseDelimiter accepts the literal tokens and the escaped forms used in
// config files.
func ParseDelimiter(s string) (Delimiter, error) {
	switch s {
	case "\n", `\n`, "newline", "NEWLINE":
		return DelimiterNewline, nil
	case "STEP", "step":
		return DelimiterStep, nil
	default:
		return "", fmt.Errorf("unknown delimiter %q", s)
	}
}

func (d Delimiter) String() string {
	if d == DelimiterNewline {
		return `\n`
	}
	return string(d)
}

// Framer owns one connection and its receive buffer. Bytes are appended in
// arrival order and only removed as a prefix once a delimiter is found.
type Framer struct {
	conn     net.Conn
	delim    []byte
	readSize int
	logger   *log.Logger
	verbose  bool

	rmu     sync.Mutex
	buf     bytes.Buffer
	pending *queue.Queue

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Framer)

func WithReadSize(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.readSize = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(f *Framer) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithVerbose logs every message sent and received
func WithVerbose(v bool) Option {
	return func(f *Framer) {
		f.verbose = v
	}
}

func New(conn net.Conn, delim Delimiter, opts ...Option) *Framer {
	f := &Framer{
		conn:     conn,
		delim:    []byte(delim),
		readSize: DefaultReadSize,
		logger:   log.New(log.Writer(), "[Framer] ", log.Flags()),
		pending:  queue.New(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Conn returns the underlying connection
func (f *Framer) Conn() net.Conn {
	return f.conn
}

func (f *Framer) Delimiter() Delimiter {
	return Delimiter(f.delim)
}

// Receive blocks until a complete message is available and returns it with
// the delimiter and surrounding whitespace removed. Messages already split
// out of an earlier read are returned first, in arrival order.
//
// If the peer closes the stream before a delimiter arrives the call fails
// with core.ErrConnectionClosed; a partial message is never returned.
func (f *Framer) Receive() (string, error) {
	f.rmu.Lock()
	defer f.rmu.Unlock()
	return f.receiveLocked()
}

// TryReceive waits at most wait for a message. It returns ok == false when
// nothing complete arrived in time; buffered partial data is kept.
func (f *Framer) TryReceive(wait time.Duration) (msg string, ok bool, err error) {
	f.rmu.Lock()
	defer f.rmu.Unlock()

	if f.pending.Length() > 0 {
		return f.pending.Remove().(string), true, nil
	}

	if err := f.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return "", false, f.classify(err)
	}
	defer f.conn.SetReadDeadline(time.Time{})

	msg, err = f.receiveLocked()
	if errors.Is(err, core.ErrReceiveTimeout) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return msg, true, nil
}

func (f *Framer) receiveLocked() (string, error) {
	chunk := make([]byte, f.readSize)
	for {
		if f.pending.Length() > 0 {
			msg := f.pending.Remove().(string)
			if f.verbose {
				f.logger.Printf("Received: %s", msg)
			}
			return msg, nil
		}

		n, err := f.conn.Read(chunk)
		if n > 0 {
			f.buf.Write(chunk[:n])
			f.split()
			continue
		}
		if err != nil {
			return "", f.classify(err)
		}
	}
}

// split moves every complete message from the buffer to the pending queue.
func (f *Framer) split() {
	for {
		data := f.buf.Bytes()
		idx := bytes.Index(data, f.delim)
		if idx < 0 {
			return
		}
		msg := strings.TrimSpace(string(data[:idx]))
		f.buf.Next(idx + len(f.delim))
		f.pending.Add(msg)
	}
}

func (f *Framer) classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return core.WrapError(core.ErrCodeConnectionClosed, "peer closed before delimiter", err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return core.WrapError(core.ErrCodeReceiveTimeout, "no complete message", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return core.WrapError(core.ErrCodeReceiveTimeout, "no complete message", err)
	}
	return core.WrapError(core.ErrCodeConnectionClosed, "read failed", err)
}

// Send writes msg followed by the connection's delimiter.
func (f *Framer) Send(msg string) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	data := make([]byte, 0, len(msg)+len(f.delim))
	data = append(data, msg...)
	data = append(data, f.delim...)
	if _, err := f.conn.Write(data); err != nil {
		return f.classify(err)
	}
	if f.verbose {
		f.logger.Printf("Sent: %s", msg)
	}
	return nil
}

// Buffered returns the number of bytes received but not yet framed
func (f *Framer) Buffered() int {
	f.rmu.Lock()
	defer f.rmu.Unlock()
	return f.buf.Len()
}

// Close closes the connection exactly once. It is safe to call from another
// goroutine to unblock a pending Receive.
func (f *Framer) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.conn.Close()
	})
	return f.closeErr
}
