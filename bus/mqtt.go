package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	envelopeCall   = "call"
	envelopeReply  = "reply"
	envelopeError  = "error"
	envelopeSignal = "signal"
)

// envelope is the JSON shape exchanged with the bus bridge on the broker.
type envelope struct {
	Type        string `json:"type"`
	Serial      uint64 `json:"serial,omitempty"`
	ReplySerial uint64 `json:"reply_serial,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	Destination string `json:"destination,omitempty"`
	Path        string `json:"path,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Member      string `json:"member,omitempty"`
	ErrorName   string `json:"error_name,omitempty"`
	Body        []any  `json:"body"`
}

type MQTTOptions struct {
	Prefix         string
	ClientID       string
	QoS            byte
	PublishTimeout time.Duration
}

func (o MQTTOptions) withDefaults() MQTTOptions {
	if strings.TrimSpace(o.Prefix) == "" {
		o.Prefix = "mm"
	}
	o.Prefix = strings.TrimSuffix(o.Prefix, "/")
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	return o
}

// MQTTTransport carries method calls to a bus bridge over an MQTT broker.
// Calls are published to <prefix>/call/<destination>; the bridge answers on
// <prefix>/reply/<client id> and forwards signals under <prefix>/signal/.
type MQTTTransport struct {
	client MQTT.Client
	opts   MQTTOptions
	log    zerolog.Logger

	mu      sync.RWMutex
	handler Handler
	lost    func(error)
	closed  bool
}

func NewMQTTTransport(client MQTT.Client, opts MQTTOptions, log zerolog.Logger) *MQTTTransport {
	return &MQTTTransport{
		client: client,
		opts:   opts.withDefaults(),
		log:    log,
	}
}

func (t *MQTTTransport) CallTopic(destination string) string {
	return t.opts.Prefix + "/call/" + destination
}

func (t *MQTTTransport) ReplyTopic() string {
	return t.opts.Prefix + "/reply/" + t.opts.ClientID
}

func (t *MQTTTransport) SignalTopic() string {
	return t.opts.Prefix + "/signal/#"
}

// Subscribe (re)attaches the reply inbox and signal topics. It has to run
// again after every reconnect when the session is not persistent.
func (t *MQTTTransport) Subscribe() error {
	if strings.TrimSpace(t.opts.ClientID) == "" {
		return fmt.Errorf("%w: mqtt transport needs a client id", ErrMalformedRequest)
	}
	for _, topic := range []string{t.ReplyTopic(), t.SignalTopic()} {
		token := t.client.Subscribe(topic, t.opts.QoS, t.receive)
		if !token.WaitTimeout(t.opts.PublishTimeout) {
			return fmt.Errorf("subscribe %s: timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		t.log.Debug().Msgf("bus subscribed to %s", topic)
	}
	return nil
}

func (t *MQTTTransport) Send(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !t.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(envelope{
		Type:        envelopeCall,
		Serial:      req.Serial,
		ReplyTo:     t.ReplyTopic(),
		Destination: req.Destination,
		Path:        req.Path,
		Interface:   req.Interface,
		Member:      req.Method,
		Body:        req.Args,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	// A token that misses PublishTimeout is reported as a send failure even
	// though the broker may still deliver the call; its reply is then late.
	token := t.client.Publish(t.CallTopic(req.Destination), t.opts.QoS, false, payload)
	if !token.WaitTimeout(t.opts.PublishTimeout) {
		return fmt.Errorf("%w: timed out after %s", ErrPublish, t.opts.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	t.log.Trace().Msgf("bus sent %s serial=%d to %s%s", req.Member(), req.Serial, req.Destination, req.Path)
	return nil
}

func (t *MQTTTransport) OnMessage(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MQTTTransport) OnConnectionLost(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lost = fn
}

func (t *MQTTTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed && t.client.IsConnected()
}

// ConnectionLost is wired to the MQTT client's connection-lost hook.
func (t *MQTTTransport) ConnectionLost(err error) {
	t.mu.RLock()
	fn := t.lost
	closed := t.closed
	t.mu.RUnlock()
	if closed || fn == nil {
		return
	}
	if err == nil {
		err = ErrConnectionLost
	} else {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	fn(err)
}

// Close detaches the transport. The MQTT client itself is shared and stays
// connected.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	t.mu.Unlock()
	token := t.client.Unsubscribe(t.ReplyTopic(), t.SignalTopic())
	token.WaitTimeout(t.opts.PublishTimeout)
	return token.Error()
}

func (t *MQTTTransport) receive(_ MQTT.Client, msg MQTT.Message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return
	}
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		t.log.Warn().Msgf("bus dropped undecodable message on %s: %v", msg.Topic(), err)
		return
	}
	out := Message{
		Path:      env.Path,
		Interface: env.Interface,
		Member:    env.Member,
		ErrorName: env.ErrorName,
		Body:      env.Body,
	}
	switch env.Type {
	case envelopeReply:
		out.Kind = ReplyMessage
		out.Serial = env.ReplySerial
	case envelopeError:
		out.Kind = ErrorMessage
		out.Serial = env.ReplySerial
	case envelopeSignal:
		out.Kind = SignalMessage
	default:
		t.log.Warn().Msgf("bus dropped message of unknown type %q on %s", env.Type, msg.Topic())
		return
	}
	h(out)
}
