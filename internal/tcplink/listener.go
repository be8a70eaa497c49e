// Package tcplink implements the ASTM session multiplexer (§4.4): a TCP
// listener that accepts connections and, for each, drives one
// datalink.Session wired to a reader, a one-second supervisor, an
// optional heartbeat, and a single serialized writer.
package tcplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-astm-link/internal/datalink"
	"github.com/kstaniek/go-astm-link/internal/logging"
	"github.com/kstaniek/go-astm-link/internal/metrics"
	"github.com/kstaniek/go-astm-link/internal/transport"
)

const (
	defaultReadDeadline = 60 * time.Second
	defaultTickInterval = time.Second
	readBufSize         = 4096
)

// Listener owns the TCP listener and coordinates per-connection session
// lifecycle. It implements transport.PhysicalLayer.
type Listener struct {
	mu   sync.RWMutex
	addr string

	cfg datalink.Config

	readDeadline time.Duration
	tickInterval time.Duration

	readyOnce sync.Once
	readyCh   chan struct{}

	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener net.Listener
	wg       sync.WaitGroup
	logger   *slog.Logger

	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalErrors       atomic.Uint64
}

var _ transport.PhysicalLayer = (*Listener)(nil)

type ListenerOption func(*Listener)

func NewListener(opts ...ListenerOption) *Listener {
	l := &Listener{
		readDeadline: defaultReadDeadline,
		tickInterval: defaultTickInterval,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.addr == "" {
		l.addr = ":0"
	}
	return l
}

func WithListenAddr(a string) ListenerOption { return func(l *Listener) { l.addr = a } }

func WithDatalinkConfig(cfg datalink.Config) ListenerOption {
	return func(l *Listener) { l.cfg = cfg }
}

func WithReadDeadline(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.readDeadline = d
		}
	}
}

func WithTickInterval(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.tickInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func (l *Listener) Addr() string           { l.mu.RLock(); defer l.mu.RUnlock(); return l.addr }
func (l *Listener) setAddr(a string)       { l.mu.Lock(); l.addr = a; l.mu.Unlock() }
func (l *Listener) SetListenAddr(a string) { l.setAddr(a) }
func (l *Listener) Ready() <-chan struct{} { return l.readyCh }
func (l *Listener) Errors() <-chan error   { return l.errCh }

func (l *Listener) setError(err error) {
	if err == nil {
		return
	}
	l.lastErrMu.Lock()
	l.lastErr = err
	l.lastErrMu.Unlock()
	l.totalErrors.Add(1)
	select {
	case l.errCh <- err:
	default:
	}
}

func (l *Listener) LastError() error {
	l.lastErrMu.Lock()
	defer l.lastErrMu.Unlock()
	return l.lastErr
}

// Serve accepts connections and spawns one session per connection. It
// implements transport.PhysicalLayer.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	addr := l.addr
	if addr == "" {
		addr = ":0"
	}
	l.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		l.setError(wrap)
		return wrap
	}
	l.setAddr(ln.Addr().String())
	l.listener = ln
	l.readyOnce.Do(func() { close(l.readyCh) })
	l.logger.Info("tcp_listen", "addr", l.Addr())
	l.logger.Info("ready")

	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		if err := l.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *Listener) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		l.setError(wrap)
		return wrap
	}
	l.totalAccepted.Add(1)
	connID := atomic.AddUint64(&l.nextConnID, 1)
	connLogger := l.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	l.totalConnected.Add(1)
	metrics.SetSessionsActive(int(l.totalConnected.Load() - l.totalDisconnected.Load()))
	connLogger.Info("client_connected")
	l.serveConn(ctx, conn, connLogger)
	return nil
}

// serveConn wires the three-goroutine fan-in (reader, supervisor,
// heartbeat) around a single session and write queue.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	session := datalink.NewSession(l.cfg, logger)

	connCtx, cancel := context.WithCancel(ctx)
	wq := transport.NewWriteQueue(connCtx, conn, transport.Hooks{
		OnError: func(err error) {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			l.setError(wrap)
			cancel()
		},
	})

	stopHeartbeat := make(chan struct{})

	// Close the socket on cancellation so a reader blocked in Read
	// returns at once instead of waiting out its read deadline.
	go func() { <-connCtx.Done(); _ = conn.Close() }()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			cancel()
			wq.Close()
			close(stopHeartbeat)
			_ = conn.Close()
			l.totalDisconnected.Add(1)
			metrics.SetSessionsActive(int(l.totalConnected.Load() - l.totalDisconnected.Load()))
			logger.Info("client_disconnected")
		}()
		l.startReader(connCtx, conn, session, wq, logger)
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.startSupervisor(connCtx, session, wq)
	}()

	if l.cfg.Interval > 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			session.Heartbeat(stopHeartbeat)
		}()
	}
}

// startReader awaits readiness, reads up to 4 KiB into a reused buffer,
// invokes on_bytes, and forwards any emitted bytes to the writer queue.
func (l *Listener) startReader(ctx context.Context, conn net.Conn, session *datalink.Session, wq *transport.WriteQueue, logger *slog.Logger) {
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.readDeadline))
		n, err := conn.Read(buf)
		if n > 0 {
			if reply := session.OnBytes(buf[:n]); reply != nil {
				if sendErr := wq.Send(reply); sendErr != nil {
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			l.setError(wrap)
			logger.Debug("conn_read_closed", "error", err)
			return
		}
	}
}

// startSupervisor sleeps one tick interval, invokes on_tick, and
// forwards any emitted bytes to the writer queue.
func (l *Listener) startSupervisor(ctx context.Context, session *datalink.Session, wq *transport.WriteQueue) {
	t := time.NewTicker(l.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if reply := session.OnTick(); reply != nil {
				if err := wq.Send(reply); err != nil {
					return
				}
			}
		}
	}
}

// Shutdown gracefully closes the listener and waits for all connections
// to finish.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.listener = nil
	l.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		l.logger.Info("shutdown_summary",
			"accepted", l.totalAccepted.Load(),
			"connected", l.totalConnected.Load(),
			"disconnected", l.totalDisconnected.Load(),
			"errors", l.totalErrors.Load(),
		)
		return nil
	}
}
