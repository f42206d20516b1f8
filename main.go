package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/elijahnyp/modem_controller/bus"
	"github.com/elijahnyp/modem_controller/mm1"
	"github.com/elijahnyp/modem_controller/proxy"
	"github.com/elijahnyp/modem_controller/state"
	. "github.com/elijahnyp/modem_controller/util"
)

var model Model

var controller *Controller

// busSession is the live transport and the session driving it.
type busSession struct {
	key       string
	kind      string
	transport bus.Transport
	session   *proxy.Session
}

var (
	busMu  sync.Mutex
	active *busSession
)

func busKey() string {
	key := strings.Join([]string{
		strings.ToLower(Config.GetString("bus")),
		Config.GetString("bus_prefix"),
		Config.GetString("dbus_address"),
		Config.GetString("mm_service"),
	}, "|")
	if strings.EqualFold(Config.GetString("bus"), "mqtt") {
		// MqttInit replaces the client on every config change
		key += fmt.Sprintf("|%p", Client)
	}
	return key
}

func openBus() (*busSession, error) {
	log := Component("bus")
	var transport bus.Transport
	switch kind := strings.ToLower(Config.GetString("bus")); kind {
	case "mqtt":
		t := bus.NewMQTTTransport(Client, bus.MQTTOptions{
			Prefix:   Config.GetString("bus_prefix"),
			ClientID: ClientID(),
		}, log)
		RegisterMQTTConnectHook("bus", func(MQTT.Client) {
			if !t.Connected() {
				return
			}
			if err := t.Subscribe(); err != nil {
				log.Error().Msgf("bus subscribe: %v", err)
			}
		})
		RegisterMQTTConnectionLostHook("bus", t.ConnectionLost)
		if t.Connected() {
			if err := t.Subscribe(); err != nil {
				log.Error().Msgf("bus subscribe: %v", err)
			}
		}
		transport = t
	case "dbus":
		RegisterMQTTConnectHook("bus", nil)
		RegisterMQTTConnectionLostHook("bus", nil)
		t, err := bus.DialDBus(Config.GetString("dbus_address"), log)
		if err != nil {
			return nil, err
		}
		for _, iface := range []string{mm1.ModemLocationInterface, "org.freedesktop.DBus.Properties"} {
			if err := t.WatchInterface(iface); err != nil {
				log.Warn().Msgf("watching %s: %v", iface, err)
			}
		}
		transport = t
	default:
		return nil, fmt.Errorf("unknown bus %q", kind)
	}
	return &busSession{
		kind:      strings.ToLower(Config.GetString("bus")),
		transport: transport,
		session:   proxy.NewSession(transport, Component("proxy")),
	}, nil
}

// restartBus opens a new session when the bus settings changed and moves
// every modem onto it. The old session is closed afterwards, cancelling
// whatever it still had outstanding.
func restartBus() {
	busMu.Lock()
	defer busMu.Unlock()
	key := busKey()
	if active != nil && active.key == key {
		return
	}
	next, err := openBus()
	if err != nil {
		Logger.Error().Msgf("Error opening bus: %v", err)
		return
	}
	next.key = key
	old := active
	active = next
	setCalls(next.session)
	controller.Rebind(mm1.NewBusProxyFactory(next.session, Config.GetString("mm_service")))
	if old != nil {
		closeBus(old)
	}
	Logger.Info().Msgf("bus session on %s ready", Config.GetString("bus"))
}

// busStale reports whether the session has to be dialled again. godbus does
// not reconnect on its own, paho does.
func busStale(b *busSession, kind string) bool {
	if kind != "dbus" {
		return false
	}
	return b == nil || !b.transport.Connected()
}

// redialBus runs before every poll round so a dropped D-Bus connection is
// replaced and the modems are set up again on the new one.
func redialBus() {
	busMu.Lock()
	stale := busStale(active, strings.ToLower(Config.GetString("bus")))
	if stale && active != nil {
		active.key = ""
	}
	busMu.Unlock()
	if stale {
		Logger.Info().Msg("bus connection down, redialling")
		restartBus()
	}
}

func closeBus(b *busSession) {
	if err := b.session.Close(); err != nil {
		Logger.Warn().Msgf("Error closing session: %v", err)
	}
	if err := b.transport.Close(); err != nil {
		Logger.Warn().Msgf("Error closing transport: %v", err)
	}
}

func publishLocation(topic string, payload []byte) error {
	return Publish(Client, topic, false, payload, 5*time.Second)
}

func main() {
	LogInit("trace")
	SetupConfig()
	RegisterNewConfigListener(func() { LogInit(Config.GetString("log_level")) })
	RegisterNewConfigListener(func() {
		if err := model.BuildModel(); err != nil {
			Logger.Error().Msgf("Error building model: %v", err)
		}
	})
	RegisterMQTTConnectHook("haadvertise", func(client MQTT.Client) {
		if err := AdvertiseHA(model.Modems, client); err != nil {
			Logger.Warn().Msgf("Error advertising to Home Assistant: %v", err)
		}
	})
	RegisterNewConfigListener(MqttInit)
	OnNewConfig()

	tracker = state.NewTracker(Config.GetInt("history"))
	tracker.OnFix(func(fix state.Fix) {
		wsHub.BroadcastUpdate("fix", fix)
	})
	controller = NewController(nil, tracker, publishLocation, Component("controller"))
	configure := func() {
		restartBus()
		controller.Configure(settingsFromConfig())
		controller.Apply(model.Modems)
	}
	configure()
	RegisterNewConfigListener(configure)

	targets := func() []string {
		redialBus()
		return controller.Names()
	}
	poller := NewPoller(Seconds("poll_frequency"), Config.GetInt("poll_workers"), targets, controller.Poll)
	poller.Start()
	RegisterNewConfigListener(func() {
		poller.Stop()
		poller.Frequency = Seconds("poll_frequency")
		poller.Workers = max(1, Config.GetInt("poll_workers"))
		poller.Start()
	})

	monitor := NewMonitorServer()
	monitor.AddHandler("/", StatusOverview)
	monitor.AddHandler("/track", HttpTrack)
	monitor.AddHandler("/ws", ServeWebSocket)
	monitor.AddHandler("/api/status", APISystemStatus)
	monitor.AddHandler("/api/modem", APIModemDetail)
	if err := monitor.Start(); err != nil {
		Logger.Error().Msgf("Error starting monitor server: %v", err)
	}
	RegisterNewConfigListener(func() { monitor.Restart() })
	Logger.Info().Msg("ready")
	poller.Trigger()
	go OnlinePinger() // start the online pinger
	go HAAdvertiser() // start the HA advertisement pinger

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	Logger.Info().Msg("shutting down")
	poller.Stop()
	controller.Close()
	busMu.Lock()
	if active != nil {
		closeBus(active)
	}
	busMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	monitor.Shutdown(ctx)
	if Client != nil && Client.IsConnected() {
		Client.Disconnect(1000)
	}
}

// online pinger
func OnlinePinger() {
	for {
		if err := Publish(Client, OnlineTopic, true, "online", 5*time.Second); err != nil {
			Logger.Error().Msgf("Error publishing online message: %v", err)
		}
		time.Sleep(10 * time.Second)
	}
}

// HAAdvertiser - advertises Home Assistant discovery messages every 5 minutes
func HAAdvertiser() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if Client != nil && Client.IsConnected() {
			Logger.Debug().Msg("Advertising Home Assistant discovery messages")
			if err := AdvertiseHA(model.Modems, Client); err != nil {
				Logger.Warn().Msgf("Error advertising to Home Assistant: %v", err)
			}
		}
	}
}
