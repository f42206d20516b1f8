package main

import (
	"testing"

	"github.com/elijahnyp/modem_controller/bus"
	. "github.com/elijahnyp/modem_controller/util"
)

type stubTransport struct {
	connected bool
}

func (s *stubTransport) Send(bus.Request) error       { return nil }
func (s *stubTransport) OnMessage(bus.Handler)        {}
func (s *stubTransport) OnConnectionLost(func(error)) {}
func (s *stubTransport) Connected() bool              { return s.connected }
func (s *stubTransport) Close() error                 { return nil }

func TestBusStale(t *testing.T) {
	tests := []struct {
		name    string
		session *busSession
		kind    string
		stale   bool
	}{
		{"DBus up", &busSession{transport: &stubTransport{connected: true}}, "dbus", false},
		{"DBus dropped", &busSession{transport: &stubTransport{}}, "dbus", true},
		{"DBus never dialled", nil, "dbus", true},
		{"MQTT reconnecting", &busSession{transport: &stubTransport{}}, "mqtt", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := busStale(tt.session, tt.kind); got != tt.stale {
				t.Errorf("busStale = %v, expected %v", got, tt.stale)
			}
		})
	}
}

func TestRedialBusRetriesDroppedDBus(t *testing.T) {
	Config.Set("bus", "dbus")
	Config.Set("dbus_address", "unix:path=/nonexistent/modem_controller_bus")
	defer func() {
		Config.Set("bus", "dbus")
		Config.Set("dbus_address", "")
	}()

	live := &busSession{key: "live", kind: "dbus", transport: &stubTransport{connected: true}}
	active = live
	defer func() { active = nil }()

	redialBus()
	if active != live || live.key != "live" {
		t.Fatal("A connected session should be left alone")
	}

	dropped := &busSession{key: "dropped", kind: "dbus", transport: &stubTransport{}}
	active = dropped
	redialBus()
	// the dial fails, so the session stays marked for the next round
	if active != dropped || dropped.key != "" {
		t.Errorf("Dropped session should be marked for redial, key = %q", dropped.key)
	}
}
