// Package telemetry streams acquisition reports to a single TCP peer as
// fixed size binary frames.
//
// Send never blocks the caller. Frames are buffered and dropped when the
// buffer is full or no peer is connected yet; the connection is dialed
// and redialed with exponential backoff.
package telemetry

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const DefaultBuffer = 256

type Exporter struct {
	log    *slog.Logger
	addr   string
	frames chan Frame
	dialer net.Dialer

	// MaxInterval caps the redial backoff.
	MaxInterval time.Duration

	// WriteTimeout bounds each frame write; zero disables it.
	WriteTimeout time.Duration

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewExporter returns an exporter for addr (host:port). buffer <= 0
// selects DefaultBuffer.
func NewExporter(log *slog.Logger, addr string, buffer int) *Exporter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{
		log:          log.With("telemetry", addr),
		addr:         addr,
		frames:       make(chan Frame, buffer),
		dialer:       net.Dialer{Timeout: 5 * time.Second},
		MaxInterval:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Send queues f and reports whether it was accepted.
func (e *Exporter) Send(f Frame) bool {
	select {
	case e.frames <- f:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Stats returns the number of frames written and dropped.
func (e *Exporter) Stats() (sent, dropped uint64) {
	return e.sent.Load(), e.dropped.Load()
}

// Run connects and writes queued frames until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	for {
		conn, err := e.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = e.write(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		e.log.WarnContext(ctx, "telemetry connection lost", "err", err)
	}
}

func (e *Exporter) connect(ctx context.Context) (net.Conn, error) {
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = 200 * time.Millisecond
	expback.MaxInterval = e.MaxInterval

	return backoff.Retry(ctx, func() (net.Conn, error) {
		conn, err := e.dialer.DialContext(ctx, "tcp", e.addr)
		if err != nil {
			e.log.DebugContext(ctx, "telemetry dial", "err", err)
			e.drain()
			return nil, err
		}
		e.log.InfoContext(ctx, "telemetry connected", "remote", conn.RemoteAddr().String())
		return conn, nil
	},
		backoff.WithBackOff(expback),
		backoff.WithMaxElapsedTime(0),
	)
}

// drain drops everything queued while no peer is connected.
func (e *Exporter) drain() {
	for {
		select {
		case <-e.frames:
			e.dropped.Add(1)
		default:
			return
		}
	}
}

// write sends queued frames until ctx is done or the connection fails.
// A write to a stalled peer is unblocked by closing conn on cancel.
func (e *Exporter) write(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 0, FrameSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-e.frames:
			buf, _ = f.AppendBinary(buf[:0])
			if e.WriteTimeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(e.WriteTimeout)); err != nil {
					return err
				}
			}
			if _, err := conn.Write(buf); err != nil {
				e.dropped.Add(1)
				return err
			}
			e.sent.Add(1)
		}
	}
}
