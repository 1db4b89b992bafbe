package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// Command Dispatcher - raw TCP, one client at a time
// ============================================================================
// The dispatcher is not an HTTP server. It accepts a connection, serves it to
// completion, and only then accepts the next one; clients that arrive in the
// meantime wait in (or are refused by) the kernel's listen backlog.
//
// Per read:
//   - 0 bytes / EOF, read error or idle timeout -> close the connection
//   - unparseable request line                  -> close without a response
//   - "/on"  -> drive aux GPIO 0 and all outputs active, answer 200
//   - "/off" -> drive the same lines inactive, answer 200
//   - other  -> no actuation, answer 400 and keep the connection open
//
// Nothing that happens on a connection is fatal to the accept loop.
// ============================================================================

var (
	responseOK         = []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nContent-Type: text/plain\r\n\r\nok")
	responseBadRequest = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 3\r\nContent-Type: text/plain\r\n\r\nerr")
)

const (
	pathOn  = "/on"
	pathOff = "/off"

	// radioAuxGPIO is the auxiliary line switched with the outputs; it also
	// signals "network up" once the listener is bound.
	radioAuxGPIO = 0

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = 1 * time.Second
)

// DispatcherConfig configures the command listener.
type DispatcherConfig struct {
	Listen      string
	Backlog     int
	IdleTimeout time.Duration
	BufferSize  int

	// Outputs are driven in this order on /on and /off.
	Outputs []string
}

// Dispatcher owns the listener, the request buffer and the command outputs.
type Dispatcher struct {
	cfg       DispatcherConfig
	outputs   OutputDriver
	telemetry chan<- Telemetry
	logger    *slog.Logger

	// buf is reused across connections; its content is never carried over.
	buf []byte
}

// NewDispatcher builds a dispatcher. Zero-valued limits fall back to defaults.
func NewDispatcher(cfg DispatcherConfig, outputs OutputDriver, telemetry chan<- Telemetry, logger *slog.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultRequestBufferSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultListenBacklog
	}
	return &Dispatcher{
		cfg:       cfg,
		outputs:   outputs,
		telemetry: telemetry,
		logger:    logger,
		buf:       make([]byte, cfg.BufferSize),
	}
}

// Run binds the configured address and serves until ctx is canceled. A failed
// bind is logged and retried with backoff; it never ends the task.
func (d *Dispatcher) Run(ctx context.Context) error {
	var backoff time.Duration
	for {
		ln, err := listenTCP(d.cfg.Listen, d.cfg.Backlog)
		if err == nil {
			return d.Serve(ctx, ln)
		}

		backoff = nextBackoff(backoff)
		d.logger.Warn("listen failed", "addr", d.cfg.Listen, "error", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

// Serve runs the accept loop on ln. It returns nil when ctx is canceled or the
// listener is closed; accept failures are logged and retried.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	// Close the listener on shutdown. This unblocks Accept().
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	if err := d.outputs.SetAux(radioAuxGPIO, true); err != nil {
		d.logger.Warn("aux gpio failed", "index", radioAuxGPIO, "error", err)
	}
	d.logger.Info("listening", "addr", ln.Addr().String(), "idle_timeout", d.cfg.IdleTimeout)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Debug("listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				d.logger.Debug("listener closed")
				return nil
			}

			backoff = nextBackoff(backoff)
			d.logger.Warn("accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		d.serveConn(ctx, conn)
	}
}

// nextBackoff doubles prev within [acceptBackoffMin, acceptBackoffMax].
func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return acceptBackoffMin
	}
	return min(prev*2, acceptBackoffMax)
}

// serveConn handles one session to completion.
func (d *Dispatcher) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := d.logger.With("remote_addr", remote)
	logger.Info("received connection")

	// A canceled context must not wait out the idle timeout.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout))
		n, err := conn.Read(d.buf)
		if n == 0 {
			switch {
			case err == nil, errors.Is(err, io.EOF):
				logger.Info("read EOF")
			case errors.Is(err, os.ErrDeadlineExceeded):
				logger.Info("idle timeout", "timeout", d.cfg.IdleTimeout)
			default:
				logger.Warn("read error", "error", err)
			}
			return
		}

		path, err := parseRequestPath(d.buf[:n])
		if err != nil {
			logger.Warn("unparseable request, closing", "error", err, "bytes", n)
			return
		}

		status, resp := d.route(path)

		_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.IdleTimeout))
		if _, err := conn.Write(resp); err != nil {
			logger.Warn("write error", "error", err, "path", path)
			return
		}

		logger.Debug("request served", "path", path, "status", status)
		emitTelemetry(d.telemetry, RequestServed{Path: path, Status: status, Remote: remote, At: time.Now()})
	}
}

// route maps a request path to its actuation and literal response.
func (d *Dispatcher) route(path string) (int, []byte) {
	switch path {
	case pathOn:
		d.drive(true)
		return 200, responseOK
	case pathOff:
		d.drive(false)
		return 200, responseOK
	default:
		return 400, responseBadRequest
	}
}

// drive sets aux GPIO 0 and every configured output. Failures are logged and
// the remaining lines are still driven.
func (d *Dispatcher) drive(active bool) {
	if err := d.outputs.SetAux(radioAuxGPIO, active); err != nil {
		d.logger.Warn("aux gpio failed", "index", radioAuxGPIO, "active", active, "error", err)
	}
	for _, name := range d.cfg.Outputs {
		if err := d.outputs.SetOutput(name, active); err != nil {
			d.logger.Warn("output failed", "line", name, "active", active, "error", err)
		}
	}
	emitTelemetry(d.telemetry, OutputsChanged{Active: active, At: time.Now()})
}
