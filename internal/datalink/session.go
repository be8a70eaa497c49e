package datalink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-astm-link/internal/astm"
	"github.com/kstaniek/go-astm-link/internal/logging"
	"github.com/kstaniek/go-astm-link/internal/metrics"
)

// Config is the engine configuration shared read-only across every
// session. It is safe to share a single Config across many concurrent
// connections; NewSession copies nothing mutable out of it except by
// value.
type Config struct {
	// Timeout is the countdown, in whole seconds, armed whenever a
	// session enters Receiving/Sending and re-armed on every inbound
	// frame (accepted or rejected) while Receiving; it is not re-armed
	// while Sending. Defaults to 20s if zero.
	Timeout time.Duration
	// Interval, if non-zero, enables the idle heartbeat producer.
	Interval time.Duration
	// Encoding selects the frame payload codec for the lifetime of the
	// session.
	Encoding astm.Encoding
	// Instrument is the application callback surface. Must not be nil;
	// callers needing a no-op should embed BaseAction.
	Instrument Action
}

func (c Config) timeoutSeconds() int {
	d := c.Timeout
	if d <= 0 {
		d = 20 * time.Second
	}
	return int(d / time.Second)
}

// Session owns one connection's mutable data-link state: state, the
// inbound accumulator, the outbound queue, and the countdown timer.
// Created on accept, destroyed on close. A single mutex protects all
// four fields — per §9's design notes, every entry point acquires them
// in sequence, so finer-grained per-field locks buy no extra
// concurrency; the single-mutex form is simpler and equally correct,
// provided (as here) no lock is held across an Instrument callback.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	inMessage  astm.Message
	outMessage astm.Message
	timer      *int // nil means disarmed
}

// NewSession creates a fresh session in the Idle state.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.L()
	}
	return &Session{cfg: cfg, logger: logger, state: Idle}
}

// State reports the current session state (for logging/tests).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnqueueOutbound stores a message, replacing any pending one, to be
// transmitted the next time the supervisor ticks while the session is
// Idle (§4.3's Idle/tick rule); nothing is sent before that tick. Used by
// application code queuing a reply outside of OnRecvMessage; the
// heartbeat producer writes the same outbound slot directly.
func (s *Session) EnqueueOutbound(msg astm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outMessage = msg
}

func (s *Session) armTimer() {
	t := s.cfg.timeoutSeconds()
	s.timer = &t
}

func (s *Session) disarmTimer() {
	s.timer = nil
}

// OnBytes reacts to inbound bytes, returning zero or more bytes to write
// back to the peer. See §4.3 for the full state table.
func (s *Session) OnBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case Idle:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != Idle { // another handler raced us between unlock and relock
			return nil
		}
		if src[0] == astm.ENQ {
			s.armTimer()
			s.state = Receiving
			metrics.IncSessionsStarted()
			return []byte{astm.ACK}
		}
		metrics.IncHandshakeFailures()
		return []byte{astm.NAK}

	case Receiving:
		return s.onBytesReceiving(src)

	case Sending:
		return s.onBytesSending(src)
	}
	return nil
}

// onBytesReceiving handles the Receiving branch of §4.3. Decode is a pure
// function, so it runs unlocked; the in-message snapshot handed to
// OnRecvFrame is taken under the lock and released before the callback
// runs, so the callback may safely call back into the session (e.g. via
// EnqueueOutbound) without deadlocking.
func (s *Session) onBytesReceiving(src []byte) []byte {
	frame, err := astm.Decode(src, s.cfg.Encoding)
	if err == nil {
		s.mu.Lock()
		if s.state != Receiving {
			s.mu.Unlock()
			return nil
		}
		snapshot := s.inMessage
		s.mu.Unlock()

		rewritten, cbErr := s.cfg.Instrument.OnRecvFrame(frame, snapshot)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != Receiving {
			return nil
		}
		s.armTimer()
		if cbErr != nil {
			s.logger.Warn("frame_rejected_by_instrument", "error", cbErr)
			metrics.IncCallbackErrors()
			return []byte{astm.NAK}
		}
		s.inMessage.PushFrame(rewritten)
		metrics.IncFramesRx()
		return []byte{astm.ACK}
	}

	if src[0] == astm.EOT {
		s.mu.Lock()
		if s.state != Receiving {
			s.mu.Unlock()
			return nil
		}
		s.disarmTimer()
		s.state = Idle
		complete := s.inMessage
		s.inMessage = astm.Message{}
		s.mu.Unlock()

		if reply, ok := s.cfg.Instrument.OnRecvMessage(complete); ok {
			s.mu.Lock()
			s.outMessage = reply
			s.mu.Unlock()
		}
		metrics.IncMessagesRx()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Receiving {
		return nil
	}
	s.armTimer()
	s.logger.Debug("frame_decode_failed", "error", err)
	metrics.IncChecksumErrors()
	return []byte{astm.NAK}
}

func (s *Session) onBytesSending(src []byte) []byte {
	if src[0] != astm.ACK {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Sending {
		return nil
	}
	frame, ok := s.outMessage.PopFrame()
	if !ok {
		metrics.IncMessagesTx()
		return []byte{astm.EOT}
	}
	wire, err := astm.Encode(frame, s.cfg.Encoding)
	if err != nil {
		s.disarmTimer()
		s.state = Idle
		s.logger.Error("frame_encode_failed", "error", err)
		return []byte{astm.NAK}
	}
	metrics.IncFramesTx()
	return wire
}

// OnTick is the one-second periodic supervisor. Exactly one invocation
// per second per session.
func (s *Session) OnTick() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		if *s.timer == 0 {
			s.inMessage = astm.Message{}
			s.state = Idle
			s.disarmTimer()
			metrics.IncTimeouts()
			return []byte{astm.NAK}
		}
		*s.timer--
		return nil
	}

	if s.state == Idle && !s.outMessage.IsEmpty() {
		s.armTimer()
		s.state = Sending
		return []byte{astm.ENQ}
	}

	return nil
}

// Heartbeat runs the optional idle-interval producer. It blocks until
// stop is closed. Callers should only invoke this when cfg.Interval > 0.
func (s *Session) Heartbeat(stop <-chan struct{}) {
	if s.cfg.Interval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			msg, ok := s.cfg.Instrument.OnIdleInterval()
			if !ok {
				continue
			}
			s.mu.Lock()
			sending := s.state == Sending
			if !sending {
				s.outMessage = msg
			}
			s.mu.Unlock()
			metrics.IncHeartbeats()
		}
	}
}
