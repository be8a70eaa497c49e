package main

import (
	"log/slog"

	"github.com/kstaniek/go-astm-link/internal/astm"
	"github.com/kstaniek/go-astm-link/internal/datalink"
)

// loggingInstrument is the default application callback: it does not
// interpret record content (record-layer parsing is out of scope for
// this gateway), it only logs each complete inbound message and never
// initiates an outbound transfer of its own.
type loggingInstrument struct {
	datalink.BaseAction
	logger *slog.Logger
}

func newLoggingInstrument(logger *slog.Logger) *loggingInstrument {
	return &loggingInstrument{logger: logger}
}

func (i *loggingInstrument) OnRecvMessage(complete astm.Message) (astm.Message, bool) {
	i.logger.Info("message_received", "frames", len(complete.Frames), "text", complete.String())
	return astm.Message{}, false
}
