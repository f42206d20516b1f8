// Package proxy is the asynchronous dispatch layer between capability
// proxies and the bus. A Session owns the call ledger, result dispatcher and
// timeout monitor for one transport; an Object binds a remote object on it.
//
// Every call that dispatches without error completes exactly once: with a
// reply, a remote error, a timeout, transport loss or cancellation.
package proxy

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elijahnyp/modem_controller/bus"
	"github.com/rs/zerolog"
)

// Session drives one transport. Only one session may be attached to a
// transport at a time since it takes over the transport's handlers.
type Session struct {
	transport  bus.Transport
	ledger     *Ledger
	dispatcher *Dispatcher
	monitor    *Monitor
	log        zerolog.Logger
	closed     atomic.Bool
}

func NewSession(transport bus.Transport, log zerolog.Logger) *Session {
	ledger := NewLedger()
	s := &Session{
		transport:  transport,
		ledger:     ledger,
		dispatcher: NewDispatcher(ledger, log),
		monitor:    NewMonitor(ledger, log),
		log:        log,
	}
	transport.OnMessage(s.dispatcher.HandleMessage)
	transport.OnConnectionLost(s.connectionLost)
	s.monitor.Start()
	return s
}

func (s *Session) connectionLost(err error) {
	detail := "connection lost"
	if err != nil {
		detail = err.Error()
	}
	n := s.ledger.FailAll(KindTransportLost, detail)
	s.log.Warn().Msgf("transport lost, failed %d pending calls: %s", n, detail)
}

// Close cancels every outstanding call and stops the timeout monitor. The
// transport is left open; it belongs to whoever created it.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.transport.OnMessage(nil)
	s.transport.OnConnectionLost(nil)
	s.monitor.Stop()
	n := s.ledger.Shutdown("session closed")
	s.log.Debug().Msgf("session closed, cancelled %d pending calls", n)
	return nil
}

func (s *Session) Connected() bool {
	return !s.closed.Load() && s.transport.Connected()
}

func (s *Session) Pending() []PendingCall {
	return s.ledger.Pending()
}

func (s *Session) Anomalies() uint64 {
	return s.dispatcher.Anomalies()
}

func (s *Session) Late() uint64 {
	return s.dispatcher.Late()
}

// Object binds destination, path and interface. The binding is immutable.
func (s *Session) Object(destination, path, iface string) *Object {
	return &Object{
		session:     s,
		destination: destination,
		path:        path,
		iface:       iface,
	}
}

// Object is one remote object interface reachable through a session.
type Object struct {
	session     *Session
	destination string
	path        string
	iface       string
	// closed is guarded by the session ledger's mutex.
	closed bool
}

func (o *Object) Destination() string { return o.destination }
func (o *Object) Path() string        { return o.path }
func (o *Object) Interface() string   { return o.iface }
func (o *Object) Session() *Session   { return o.session }

// Go dispatches method with args. It returns once the request is handed to
// the transport; done later receives the outcome. A non-nil error means
// nothing was sent and done will never run.
func (o *Object) Go(method string, timeout time.Duration, decode Decoder, done Completion, args ...any) (CallID, error) {
	if strings.TrimSpace(method) == "" {
		return 0, fmt.Errorf("%w: empty method", ErrDispatch)
	}
	if !o.session.transport.Connected() {
		return 0, fmt.Errorf("%w: %w", ErrDispatch, bus.ErrNotConnected)
	}
	ledger := o.session.ledger
	id, err := ledger.Register(o, o.iface+"."+method, timeout, decode, done)
	if err != nil {
		return 0, err
	}
	err = o.session.transport.Send(bus.Request{
		Serial:      uint64(id),
		Destination: o.destination,
		Path:        o.path,
		Interface:   o.iface,
		Method:      method,
		Args:        args,
	})
	if err != nil {
		ledger.Discard(id)
		o.session.log.Debug().Msgf("dispatch of %s.%s to %s failed: %v", o.iface, method, o.path, err)
		return 0, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	ledger.Arm(id)
	return id, nil
}

// Cancel resolves one of this object's calls as cancelled.
func (o *Object) Cancel(id CallID) bool {
	return o.session.ledger.CancelOwned(o, id)
}

// Close refuses new calls and cancels every call still outstanding on this
// object. It reports how many completions it ran. A Go still inside
// Transport.Send is not waited for; its completion receives the cancellation
// once the send returns, or never if the send fails.
func (o *Object) Close() int {
	n := o.session.ledger.CancelOwner(o, "proxy closed")
	if n > 0 {
		o.session.log.Debug().Msgf("closed %s on %s, cancelled %d calls", o.iface, o.path, n)
	}
	return n
}
