package serialtransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-astm-link/internal/datalink"
	"github.com/kstaniek/go-astm-link/internal/logging"
	"github.com/kstaniek/go-astm-link/internal/metrics"
	"github.com/kstaniek/go-astm-link/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrPortRead  = errors.New("serial_read")
	ErrPortWrite = errors.New("serial_write")
)

const (
	defaultTickInterval = time.Second
	readBufSize         = 4096
)

// Transport binds one datalink.Session to a serial port for the
// lifetime of the process. Unlike tcplink.Listener there is no accept
// loop: the session exists for as long as the port is open.
type Transport struct {
	port         Port
	cfg          datalink.Config
	tickInterval time.Duration
	logger       *slog.Logger
}

var _ transport.PhysicalLayer = (*Transport)(nil)

type Option func(*Transport)

func New(port Port, cfg datalink.Config, opts ...Option) *Transport {
	t := &Transport{
		port:         port,
		cfg:          cfg,
		tickInterval: defaultTickInterval,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func WithTickInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.tickInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Serve drives the session until ctx is cancelled or the port fails.
func (t *Transport) Serve(ctx context.Context) error {
	session := datalink.NewSession(t.cfg, t.logger)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wq := transport.NewWriteQueue(connCtx, t.port, transport.Hooks{
		OnError: func(err error) {
			wrap := fmt.Errorf("%w: %v", ErrPortWrite, err)
			metrics.IncError(metrics.ErrSerialWrite)
			t.logger.Error("serial_write_error", "error", wrap)
			cancel()
		},
	})
	defer wq.Close()

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)

	if t.cfg.Interval > 0 {
		go session.Heartbeat(stopHeartbeat)
	}

	go t.runSupervisor(connCtx, session, wq)

	return t.runReader(connCtx, session, wq)
}

func (t *Transport) runReader(ctx context.Context, session *datalink.Session, wq *transport.WriteQueue) error {
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			if reply := session.OnBytes(buf[:n]); reply != nil {
				if sendErr := wq.Send(reply); sendErr != nil {
					return nil
				}
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			wrap := fmt.Errorf("%w: %v", ErrPortRead, err)
			t.logger.Error("serial_read_error", "error", wrap)
			return wrap
		}
	}
}

func (t *Transport) runSupervisor(ctx context.Context, session *datalink.Session, wq *transport.WriteQueue) {
	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reply := session.OnTick(); reply != nil {
				if err := wq.Send(reply); err != nil {
					return
				}
			}
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
