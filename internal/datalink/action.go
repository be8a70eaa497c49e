package datalink

import "github.com/kstaniek/go-astm-link/internal/astm"

// Action is the application callback contract an instrument implements
// to influence session behavior. Go interfaces carry no default method
// bodies, so applications that only care about one hook should embed
// BaseAction to inherit pass-through defaults for the rest.
type Action interface {
	// OnRecvFrame may inspect or rewrite an inbound frame before it is
	// appended to the in-progress message. Returning an error rejects
	// the frame: the session replies NAK and does not advance.
	OnRecvFrame(frame astm.Frame, inMessageSoFar astm.Message) (astm.Frame, error)

	// OnRecvMessage is invoked when a full inbound message terminates on
	// EOT. A returned (message, true) becomes the session's next
	// outbound message.
	OnRecvMessage(complete astm.Message) (astm.Message, bool)

	// OnIdleInterval is invoked on the heartbeat tick, only when an
	// interval is configured. A returned (message, true) is enqueued as
	// outbound.
	OnIdleInterval() (astm.Message, bool)
}

// BaseAction supplies no-op/pass-through default bodies so an embedding
// struct only needs to override the hooks it cares about.
type BaseAction struct{}

func (BaseAction) OnRecvFrame(frame astm.Frame, _ astm.Message) (astm.Frame, error) {
	return frame, nil
}

func (BaseAction) OnRecvMessage(_ astm.Message) (astm.Message, bool) {
	return astm.Message{}, false
}

func (BaseAction) OnIdleInterval() (astm.Message, bool) {
	return astm.Message{}, false
}

var _ Action = BaseAction{}
