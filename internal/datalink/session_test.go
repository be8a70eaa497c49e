package datalink

import (
	"bytes"
	"testing"
	"time"

	"github.com/kstaniek/go-astm-link/internal/astm"
)

// recordingAction captures OnRecvMessage invocations for assertions.
type recordingAction struct {
	BaseAction
	received []astm.Message
	reply    astm.Message
	hasReply bool
}

func (a *recordingAction) OnRecvMessage(msg astm.Message) (astm.Message, bool) {
	a.received = append(a.received, msg)
	return a.reply, a.hasReply
}

func s1Frame() []byte {
	return []byte{
		0x02, 0x35, 0x52, 0x7C, 0x32, 0x7C, 0x5E, 0x5E, 0x5E, 0x31, 0x2E, 0x30,
		0x30, 0x30, 0x30, 0x2B, 0x39, 0x35, 0x30, 0x2B, 0x31, 0x2E, 0x30, 0x7C,
		0x31, 0x35, 0x7C, 0x7C, 0x7C, 0x5E, 0x35, 0x5E, 0x7C, 0x7C, 0x56, 0x7C,
		0x7C, 0x33, 0x34, 0x30, 0x30, 0x31, 0x36, 0x33, 0x37, 0x7C, 0x32, 0x30,
		0x30, 0x38, 0x30, 0x35, 0x31, 0x36, 0x31, 0x35, 0x33, 0x35, 0x34, 0x30,
		0x7C, 0x32, 0x30, 0x30, 0x38, 0x30, 0x35, 0x31, 0x36, 0x31, 0x35, 0x33,
		0x36, 0x30, 0x32, 0x7C, 0x33, 0x34, 0x30, 0x30, 0x31, 0x36, 0x33, 0x37,
		0x0D, 0x03, 0x33, 0x44, 0x0D, 0x0A,
	}
}

func TestSession_HandshakeAndOneFrameMessage_S3(t *testing.T) {
	act := &recordingAction{}
	s := NewSession(Config{Encoding: astm.UTF8, Instrument: act}, nil)

	if s.State() != Idle {
		t.Fatalf("expected initial state Idle")
	}

	reply := s.OnBytes([]byte{astm.ENQ})
	if !bytes.Equal(reply, []byte{astm.ACK}) {
		t.Fatalf("expected ACK, got % X", reply)
	}
	if s.State() != Receiving {
		t.Fatalf("expected Receiving after ENQ")
	}

	reply = s.OnBytes(s1Frame())
	if !bytes.Equal(reply, []byte{astm.ACK}) {
		t.Fatalf("expected ACK after frame, got % X", reply)
	}

	reply = s.OnBytes([]byte{astm.EOT})
	if reply != nil {
		t.Fatalf("expected no reply to EOT, got % X", reply)
	}
	if s.State() != Idle {
		t.Fatalf("expected Idle after EOT")
	}
	if len(act.received) != 1 {
		t.Fatalf("expected OnRecvMessage called once, got %d", len(act.received))
	}
	if len(act.received[0].Frames) != 1 {
		t.Fatalf("expected delivered message to contain one frame, got %d", len(act.received[0].Frames))
	}
}

func TestSession_BadChecksum_S4(t *testing.T) {
	act := &recordingAction{}
	s := NewSession(Config{Encoding: astm.UTF8, Instrument: act}, nil)
	s.OnBytes([]byte{astm.ENQ})

	bad := append([]byte(nil), s1Frame()...)
	for i, b := range bad {
		if b == 0x33 && i+1 < len(bad) && bad[i+1] == 0x44 {
			bad[i+1] = 0x45
			break
		}
	}
	reply := s.OnBytes(bad)
	if !bytes.Equal(reply, []byte{astm.NAK}) {
		t.Fatalf("expected NAK, got % X", reply)
	}
	if s.State() != Receiving {
		t.Fatalf("expected to stay in Receiving")
	}
}

func TestSession_Timeout_S5(t *testing.T) {
	act := &recordingAction{}
	s := NewSession(Config{Timeout: 2 * time.Second, Encoding: astm.ASCII, Instrument: act}, nil)

	s.OnBytes([]byte{astm.ENQ})
	if s.State() != Receiving {
		t.Fatalf("expected Receiving")
	}

	if reply := s.OnTick(); reply != nil {
		t.Fatalf("tick 1: expected no emission, got % X", reply)
	}
	if reply := s.OnTick(); reply != nil {
		t.Fatalf("tick 2: expected no emission, got % X", reply)
	}
	reply := s.OnTick()
	if !bytes.Equal(reply, []byte{astm.NAK}) {
		t.Fatalf("tick 3: expected NAK, got % X", reply)
	}
	if s.State() != Idle {
		t.Fatalf("expected Idle after timeout")
	}
}

func TestSession_OutboundInitiation_S6(t *testing.T) {
	act := &recordingAction{}
	s := NewSession(Config{Encoding: astm.ASCII, Instrument: act}, nil)

	msg := astm.MessageFromText("one\rtwo")
	if len(msg.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(msg.Frames))
	}
	s.EnqueueOutbound(msg)

	reply := s.OnTick()
	if !bytes.Equal(reply, []byte{astm.ENQ}) {
		t.Fatalf("expected ENQ, got % X", reply)
	}
	if s.State() != Sending {
		t.Fatalf("expected Sending")
	}

	first := s.OnBytes([]byte{astm.ACK})
	wantFirst, _ := astm.Encode(msg.Frames[0], astm.ASCII)
	if !bytes.Equal(first, wantFirst) {
		t.Fatalf("frame 1 mismatch: got % X want % X", first, wantFirst)
	}

	second := s.OnBytes([]byte{astm.ACK})
	wantSecond, _ := astm.Encode(msg.Frames[1], astm.ASCII)
	if !bytes.Equal(second, wantSecond) {
		t.Fatalf("frame 2 mismatch: got % X want % X", second, wantSecond)
	}

	third := s.OnBytes([]byte{astm.ACK})
	if !bytes.Equal(third, []byte{astm.EOT}) {
		t.Fatalf("expected EOT, got % X", third)
	}
}

func TestSession_Idle_NonENQ_RepliesNAK(t *testing.T) {
	s := NewSession(Config{Encoding: astm.ASCII, Instrument: BaseAction{}}, nil)
	reply := s.OnBytes([]byte{0x41})
	if !bytes.Equal(reply, []byte{astm.NAK}) {
		t.Fatalf("expected NAK, got % X", reply)
	}
	if s.State() != Idle {
		t.Fatalf("expected to stay Idle")
	}
}

func TestSession_InstrumentRejectsFrame(t *testing.T) {
	rejecting := &rejectAction{}
	s := NewSession(Config{Encoding: astm.UTF8, Instrument: rejecting}, nil)
	s.OnBytes([]byte{astm.ENQ})
	reply := s.OnBytes(s1Frame())
	if !bytes.Equal(reply, []byte{astm.NAK}) {
		t.Fatalf("expected NAK from rejected frame, got % X", reply)
	}
	if s.State() != Receiving {
		t.Fatalf("expected to remain Receiving")
	}
}

type rejectAction struct{ BaseAction }

func (rejectAction) OnRecvFrame(f astm.Frame, _ astm.Message) (astm.Frame, error) {
	return f, errRejected
}

var errRejected = &rejectError{}

type rejectError struct{}

func (*rejectError) Error() string { return "rejected" }

func TestSession_SendingIgnoresNonACK(t *testing.T) {
	act := &recordingAction{}
	s := NewSession(Config{Encoding: astm.ASCII, Instrument: act}, nil)
	s.EnqueueOutbound(astm.MessageFromText("x"))
	s.OnTick()
	if reply := s.OnBytes([]byte{astm.NAK}); reply != nil {
		t.Fatalf("expected no emission for non-ACK in Sending, got % X", reply)
	}
	if s.State() != Sending {
		t.Fatalf("expected to remain Sending")
	}
}
