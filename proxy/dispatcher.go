package proxy

import (
	"sync/atomic"

	"github.com/elijahnyp/modem_controller/bus"
	"github.com/rs/zerolog"
)

// Dispatcher correlates inbound bus messages with ledger entries.
type Dispatcher struct {
	ledger    *Ledger
	log       zerolog.Logger
	anomalies atomic.Uint64
	late      atomic.Uint64
}

func NewDispatcher(ledger *Ledger, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{ledger: ledger, log: log}
}

// HandleMessage is registered as the transport's message handler.
func (d *Dispatcher) HandleMessage(msg bus.Message) {
	switch msg.Kind {
	case bus.ReplyMessage:
		d.reply(msg)
	case bus.ErrorMessage:
		d.remoteError(msg)
	case bus.SignalMessage:
		d.log.Trace().Msgf("signal %s.%s on %s ignored", msg.Interface, msg.Member, msg.Path)
	default:
		d.anomaly(msg, "unknown message kind")
	}
}

func (d *Dispatcher) reply(msg bus.Message) {
	if msg.Serial == 0 {
		d.anomaly(msg, "reply without serial")
		return
	}
	id := CallID(msg.Serial)
	decode, ok := d.ledger.decoder(id)
	if !ok {
		d.discardLate(msg)
		return
	}
	var value any
	if decode != nil {
		v, err := decode(msg.Body)
		if err != nil {
			d.anomaly(msg, "undecodable reply: "+err.Error())
			return
		}
		value = v
	}
	if !d.ledger.Resolve(id, Outcome{Value: value}) {
		d.discardLate(msg)
	}
}

func (d *Dispatcher) remoteError(msg bus.Message) {
	if msg.Serial == 0 {
		d.anomaly(msg, "error without serial")
		return
	}
	if msg.ErrorName == "" {
		d.anomaly(msg, "error without name")
		return
	}
	out := Outcome{Err: &Error{
		Kind:    KindRemoteRejected,
		Name:    msg.ErrorName,
		Message: msg.ErrorText(),
	}}
	if !d.ledger.Resolve(CallID(msg.Serial), out) {
		d.discardLate(msg)
	}
}

func (d *Dispatcher) discardLate(msg bus.Message) {
	d.late.Add(1)
	d.log.Debug().Msgf("%s for serial=%d has no pending call, discarded", msg.Kind, msg.Serial)
}

func (d *Dispatcher) anomaly(msg bus.Message, reason string) {
	d.anomalies.Add(1)
	d.log.Warn().Msgf("protocol anomaly (%s serial=%d): %s", msg.Kind, msg.Serial, reason)
}

// Anomalies counts dropped malformed messages.
func (d *Dispatcher) Anomalies() uint64 {
	return d.anomalies.Load()
}

// Late counts replies and errors that arrived after their call was resolved.
func (d *Dispatcher) Late() uint64 {
	return d.late.Load()
}
