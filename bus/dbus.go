package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// errorNameFailed is reported for calls that failed inside the bus library
// after being handed off, without a remote error name.
const errorNameFailed = "org.freedesktop.DBus.Error.Failed"

// DBusTransport sends calls straight to the system (or a given) D-Bus.
type DBusTransport struct {
	conn *dbus.Conn
	log  zerolog.Logger

	signals chan *dbus.Signal
	done    chan struct{}

	mu       sync.RWMutex
	handler  Handler
	lost     func(error)
	closed   bool
	lostOnce sync.Once
}

// DialDBus connects to address, or to the system bus when address is empty.
func DialDBus(address string, log zerolog.Logger) (*DBusTransport, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if strings.TrimSpace(address) == "" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	return NewDBusTransport(conn, log), nil
}

func NewDBusTransport(conn *dbus.Conn, log zerolog.Logger) *DBusTransport {
	t := &DBusTransport{
		conn:    conn,
		log:     log,
		signals: make(chan *dbus.Signal, 32),
		done:    make(chan struct{}),
	}
	conn.Signal(t.signals)
	go t.signalLoop()
	go t.watch()
	return t
}

// WatchInterface asks the bus daemon to route signals of iface to us.
func (t *DBusTransport) WatchInterface(iface string) error {
	return t.conn.AddMatchSignal(dbus.WithMatchInterface(iface))
}

func (t *DBusTransport) Send(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := checkSignature(req.Args); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !t.conn.Connected() {
		return ErrNotConnected
	}
	ch := make(chan *dbus.Call, 1)
	t.conn.Object(req.Destination, dbus.ObjectPath(req.Path)).Go(req.Member(), 0, ch, req.Args...)
	// godbus validates and writes the message before Go returns, so a call
	// already finished here with a local error never left the process.
	select {
	case call := <-ch:
		if err := sendFailure(call.Err); err != nil {
			t.log.Debug().Msgf("bus send %s serial=%d failed: %v", req.Member(), req.Serial, err)
			return err
		}
		ch <- call
	default:
	}
	t.log.Trace().Msgf("bus sent %s serial=%d to %s%s", req.Member(), req.Serial, req.Destination, req.Path)
	go t.await(req.Serial, ch)
	return nil
}

// sendFailure maps an error godbus raised while sending to a dispatch
// error. Remote errors and nil are not send failures.
func sendFailure(err error) error {
	if err == nil || remoteError(err) != nil {
		return nil
	}
	if errors.Is(err, dbus.ErrClosed) {
		return ErrNotConnected
	}
	var invalid dbus.InvalidMessageError
	var format dbus.FormatError
	if errors.As(err, &invalid) || errors.As(err, &format) {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, err)
}

func remoteError(err error) *dbus.Error {
	var remote dbus.Error
	if errors.As(err, &remote) {
		return &remote
	}
	var remotePtr *dbus.Error
	if errors.As(err, &remotePtr) {
		return remotePtr
	}
	return nil
}

func (t *DBusTransport) await(serial uint64, ch chan *dbus.Call) {
	var call *dbus.Call
	select {
	case call = <-ch:
	case <-t.done:
		return
	}
	if errors.Is(call.Err, dbus.ErrClosed) {
		t.connectionLost(call.Err)
		return
	}
	t.deliver(callMessage(serial, call))
}

// callMessage turns a finished call into the reply or error message the
// session expects.
func callMessage(serial uint64, call *dbus.Call) Message {
	msg := Message{Serial: serial}
	if call.Err == nil {
		msg.Kind = ReplyMessage
		msg.Body = normalizeBody(call.Body)
		return msg
	}
	msg.Kind = ErrorMessage
	if remote := remoteError(call.Err); remote != nil {
		msg.ErrorName = remote.Name
		msg.Body = normalizeBody(remote.Body)
		return msg
	}
	msg.ErrorName = errorNameFailed
	msg.Body = []any{call.Err.Error()}
	return msg
}

func (t *DBusTransport) signalLoop() {
	for {
		select {
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			iface, member := splitMember(sig.Name)
			t.deliver(Message{
				Kind:      SignalMessage,
				Path:      string(sig.Path),
				Interface: iface,
				Member:    member,
				Body:      normalizeBody(sig.Body),
			})
		case <-t.done:
			return
		}
	}
}

func (t *DBusTransport) watch() {
	select {
	case <-t.conn.Context().Done():
		t.connectionLost(ErrConnectionLost)
	case <-t.done:
	}
}

func (t *DBusTransport) deliver(msg Message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

func (t *DBusTransport) connectionLost(err error) {
	t.mu.RLock()
	fn := t.lost
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return
	}
	t.lostOnce.Do(func() {
		t.log.Warn().Msgf("bus connection lost: %v", err)
		if fn != nil {
			fn(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		}
	})
}

func (t *DBusTransport) OnMessage(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *DBusTransport) OnConnectionLost(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lost = fn
}

func (t *DBusTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed && t.conn.Connected()
}

func (t *DBusTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	t.mu.Unlock()
	close(t.done)
	t.conn.RemoveSignal(t.signals)
	return t.conn.Close()
}

// checkSignature rejects arguments the wire format cannot carry before
// anything is sent.
func checkSignature(args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEncode, r)
		}
	}()
	for i, arg := range args {
		if arg == nil {
			return fmt.Errorf("%w: argument %d is nil", ErrEncode, i)
		}
	}
	dbus.SignatureOf(args...)
	return nil
}

func splitMember(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func normalizeBody(body []any) []any {
	out := make([]any, len(body))
	for i, v := range body {
		out[i] = normalize(v)
	}
	return out
}

// normalize strips D-Bus wrapper types so replies look the same whichever
// transport carried them.
func normalize(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return normalize(x.Value())
	case dbus.ObjectPath:
		return string(x)
	case dbus.Signature:
		return x.String()
	case map[uint32]dbus.Variant:
		out := make(map[uint32]any, len(x))
		for k, val := range x {
			out[k] = normalize(val.Value())
		}
		return out
	case map[string]dbus.Variant:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val.Value())
		}
		return out
	case []any:
		return normalizeBody(x)
	default:
		return v
	}
}
