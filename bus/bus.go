// Package bus is the transport handle the modem proxies talk through. A
// Transport sends method calls to remote objects and hands every reply, error
// and signal it receives to a single registered Handler.
package bus

import (
	"errors"
	"fmt"
	"strings"
)

type MessageKind int

const (
	_ MessageKind = iota
	ReplyMessage
	ErrorMessage
	SignalMessage
)

func (k MessageKind) String() string {
	switch k {
	case ReplyMessage:
		return "reply"
	case ErrorMessage:
		return "error"
	case SignalMessage:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrNotConnected     = errors.New("bus: not connected")
	ErrClosed           = errors.New("bus: transport closed")
	ErrMalformedRequest = errors.New("bus: malformed request")
	ErrEncode           = errors.New("bus: cannot encode arguments")
	ErrPublish          = errors.New("bus: publish failed")
	ErrConnectionLost   = errors.New("bus: connection lost")
)

// Request is one outbound method call. Serial is chosen by the caller and
// must be echoed back on the matching reply or error.
type Request struct {
	Serial      uint64
	Destination string
	Path        string
	Interface   string
	Method      string
	Args        []any
}

func (r Request) Validate() error {
	if r.Serial == 0 {
		return fmt.Errorf("%w: missing serial", ErrMalformedRequest)
	}
	if strings.TrimSpace(r.Destination) == "" {
		return fmt.Errorf("%w: missing destination", ErrMalformedRequest)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("%w: invalid object path %q", ErrMalformedRequest, r.Path)
	}
	if strings.TrimSpace(r.Interface) == "" {
		return fmt.Errorf("%w: missing interface", ErrMalformedRequest)
	}
	if strings.TrimSpace(r.Method) == "" || strings.Contains(r.Method, ".") {
		return fmt.Errorf("%w: invalid method %q", ErrMalformedRequest, r.Method)
	}
	return nil
}

// Member returns the fully qualified method name.
func (r Request) Member() string {
	return r.Interface + "." + r.Method
}

// Message is one inbound reply, error or signal. For replies and errors
// Serial is the serial of the request being answered.
type Message struct {
	Kind      MessageKind
	Serial    uint64
	Path      string
	Interface string
	Member    string
	ErrorName string
	Body      []any
}

// ErrorText returns the human readable detail of an error message, which by
// convention is the first body element.
func (m Message) ErrorText() string {
	if len(m.Body) == 0 {
		return ""
	}
	if s, ok := m.Body[0].(string); ok {
		return s
	}
	return fmt.Sprint(m.Body[0])
}

type Handler func(Message)

// Transport is the connection to the remote object bus.
//
// Send must not block waiting for a reply. Errors returned by Send mean the
// request never left the process. OnMessage and OnConnectionLost each hold a
// single callback; registering again replaces the previous one.
type Transport interface {
	Send(req Request) error
	OnMessage(h Handler)
	OnConnectionLost(fn func(error))
	Connected() bool
	Close() error
}
