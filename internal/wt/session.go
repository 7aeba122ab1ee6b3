package wt

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/webtransport-go"

	"github.com/cnulatienpo/run-sub001/internal/relay"
)

const (
	sendQueueSize = 256
	maxFrameSize  = 1 << 20
)

var (
	errQueueFull = errors.New("outbound queue full")
	errClosed    = errors.New("session closed")
)

// serveSession runs one WebTransport client until its stream ends.
func serveSession(ctx context.Context, sess *webtransport.Session, reg *relay.Registry, room string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Warn("webtransport accept stream", "err", err)
		_ = sess.CloseWithError(0, "no stream")
		return
	}

	c := newStreamConn(stream, func(code int, reason string) {
		_ = sess.CloseWithError(webtransport.SessionErrorCode(code), reason)
	})
	go c.writeLoop()

	session := reg.Connect(c)
	defer func() {
		reg.Disconnect(session)
		c.stop()
		_ = sess.CloseWithError(0, "bye")
	}()

	if room != "" {
		if _, err := reg.Join(session, room); err != nil {
			slog.Warn("initial join failed", "client_id", session.ID(), "room_id", room, "err", err)
		}
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		reg.Handle(session, frame)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("webtransport read failed", "client_id", session.ID(), "err", err)
	}
}

// streamConn adapts a WebTransport stream to relay.Conn with the same queue
// discipline as the websocket transport.
type streamConn struct {
	w       io.Writer
	closeFn func(code int, reason string)
	send    chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	stopOnce sync.Once
	done     chan struct{}
}

func newStreamConn(w io.Writer, closeFn func(code int, reason string)) *streamConn {
	return &streamConn{
		w:       w,
		closeFn: closeFn,
		send:    make(chan []byte, sendQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send implements relay.Conn.
func (c *streamConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClosed
	case <-c.closing:
		return errClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// Close implements relay.Conn.
func (c *streamConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
	return nil
}

func (c *streamConn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *streamConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.stop()
				return
			}
		case <-c.closing:
			for drained := false; !drained; {
				select {
				case frame := <-c.send:
					if c.write(frame) != nil {
						drained = true
					}
				default:
					drained = true
				}
			}
			if c.closeFn != nil {
				c.closeFn(c.closeCode, c.closeReason)
			}
			return
		}
	}
}

func (c *streamConn) write(frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := c.w.Write(buf)
	return err
}
