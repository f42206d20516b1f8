package main

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/elijahnyp/modem_controller/mm1"
	"github.com/elijahnyp/modem_controller/proxy"
	"github.com/elijahnyp/modem_controller/state"
	. "github.com/elijahnyp/modem_controller/util"
	"github.com/rs/zerolog"
)

// ControllerSettings are re-read on every config change.
type ControllerSettings struct {
	SetupTimeout    time.Duration
	LocationTimeout time.Duration
	SignalRate      uint32
}

func settingsFromConfig() ControllerSettings {
	return ControllerSettings{
		SetupTimeout:    Seconds("setup_timeout"),
		LocationTimeout: Seconds("location_timeout"),
		SignalRate:      Config.GetUint32("signal_rate"),
	}
}

// managedModem is one configured modem and its proxies. name, path, sources
// and signalLocation never change; a config edit to any of them replaces the
// whole managedModem. Everything else is guarded by Controller.mu.
type managedModem struct {
	name           string
	path           string
	sources        mm1.LocationSource
	signalLocation bool
	location       mm1.LocationProxy

	config Modem
	signal mm1.SignalProxy
	setup  string

	// busy while a Setup or GetLocation is outstanding
	busy bool
}

// locationMessage is what goes out on a modem's location topic. Latitude and
// longitude sit at the top level for Home Assistant's device_tracker.
type locationMessage struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	state.Fix
}

// Controller enables location gathering on every configured modem and polls
// them. Failures are handled by kind: timeouts and transport loss retry the
// setup on the next poll, a modem that rejects setup is left alone until the
// config changes, cancellations are ignored.
type Controller struct {
	tracker *state.Tracker
	publish func(topic string, payload []byte) error
	log     zerolog.Logger

	mu       sync.Mutex
	factory  mm1.ProxyFactory
	settings ControllerSettings
	modems   map[string]*managedModem
}

func NewController(factory mm1.ProxyFactory, tracker *state.Tracker, publish func(string, []byte) error, log zerolog.Logger) *Controller {
	return &Controller{
		factory: factory,
		tracker: tracker,
		publish: publish,
		log:     log,
		settings: ControllerSettings{
			SetupTimeout:    30 * time.Second,
			LocationTimeout: 5 * time.Second,
		},
		modems: make(map[string]*managedModem),
	}
}

func (c *Controller) Configure(settings ControllerSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
}

// Names lists the managed modems, sorted.
func (c *Controller) Names() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.modems))
	for name := range c.modems {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

func (c *Controller) current(m *managedModem) bool {
	return c.modems[m.name] == m
}

// Apply reconciles the managed modems with the configured ones. Modems that
// went away or changed path, sources or signalling are closed, which cancels
// their outstanding calls; new ones are set up right away.
func (c *Controller) Apply(modems []Modem) {
	wanted := make(map[string]Modem, len(modems))
	for _, cfg := range modems {
		wanted[cfg.Name] = cfg
	}

	var retired []*managedModem
	var added []Modem
	c.mu.Lock()
	for name, m := range c.modems {
		cfg, ok := wanted[name]
		if ok && m.matches(cfg) {
			m.config = cfg
			continue
		}
		delete(c.modems, name)
		retired = append(retired, m)
	}
	for name, cfg := range wanted {
		if _, ok := c.modems[name]; !ok {
			added = append(added, cfg)
		}
	}
	c.mu.Unlock()

	for _, m := range retired {
		_, keep := wanted[m.name]
		c.retire(m, !keep)
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Name < added[j].Name })
	for _, cfg := range added {
		if m := c.add(cfg); m != nil {
			c.setup(m)
		}
	}
}

// Rebind moves every modem onto proxies from factory, used when the bus
// session is replaced.
func (c *Controller) Rebind(factory mm1.ProxyFactory) {
	c.mu.Lock()
	c.factory = factory
	configs := make([]Modem, 0, len(c.modems))
	retired := make([]*managedModem, 0, len(c.modems))
	for name, m := range c.modems {
		configs = append(configs, m.config)
		retired = append(retired, m)
		delete(c.modems, name)
	}
	c.mu.Unlock()
	for _, m := range retired {
		c.retire(m, false)
	}
	c.Apply(configs)
}

// Close cancels every outstanding call and drops all modems.
func (c *Controller) Close() {
	c.mu.Lock()
	retired := make([]*managedModem, 0, len(c.modems))
	for name, m := range c.modems {
		retired = append(retired, m)
		delete(c.modems, name)
	}
	c.mu.Unlock()
	for _, m := range retired {
		c.retire(m, false)
	}
}

func (m *managedModem) matches(cfg Modem) bool {
	path, err := cfg.ObjectPath()
	if err != nil || path != m.path {
		return false
	}
	sources, err := cfg.SourceMask()
	if err != nil || sources != m.sources {
		return false
	}
	return cfg.Signal_location == m.signalLocation
}

func (c *Controller) add(cfg Modem) *managedModem {
	path, err := cfg.ObjectPath()
	if err != nil {
		c.log.Error().Msgf("modem %s: %v", cfg.Name, err)
		return nil
	}
	sources, err := cfg.SourceMask()
	if err != nil {
		c.log.Error().Msgf("modem %s: %v", cfg.Name, err)
		return nil
	}
	c.tracker.Register(cfg.Name, path, sources.String())

	c.mu.Lock()
	factory := c.factory
	c.mu.Unlock()
	if factory == nil {
		c.log.Warn().Msgf("modem %s: no bus session yet", cfg.Name)
		return nil
	}
	location, err := factory.LocationProxy(path)
	if err != nil {
		c.log.Error().Msgf("modem %s: no location proxy: %v", cfg.Name, err)
		c.tracker.Failure(cfg.Name, "factory", err)
		return nil
	}

	m := &managedModem{
		name:           cfg.Name,
		path:           path,
		sources:        sources,
		signalLocation: cfg.Signal_location,
		location:       location,
		config:         cfg,
		setup:          state.SetupPending,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.modems[cfg.Name]; exists {
		location.Close()
		return nil
	}
	c.modems[cfg.Name] = m
	c.log.Info().Msgf("managing modem %s at %s (%s)", m.name, m.path, m.sources)
	return m
}

func (c *Controller) retire(m *managedModem, forget bool) {
	n := m.location.Close()
	c.mu.Lock()
	signal := m.signal
	c.mu.Unlock()
	if signal != nil {
		n += signal.Close()
	}
	if forget {
		c.tracker.Forget(m.name)
	}
	c.log.Info().Msgf("released modem %s, cancelled %d calls", m.name, n)
}

func (c *Controller) setup(m *managedModem) {
	c.mu.Lock()
	if !c.current(m) || m.busy {
		c.mu.Unlock()
		return
	}
	m.busy = true
	m.setup = state.SetupPending
	timeout := c.settings.SetupTimeout
	c.mu.Unlock()

	c.tracker.SetSetup(m.name, state.SetupPending)
	_, err := m.location.Setup(m.sources, m.signalLocation, func(err error) {
		c.setupDone(m, err)
	}, timeout)
	if err != nil {
		c.mu.Lock()
		m.busy = false
		m.setup = state.SetupRetrying
		c.mu.Unlock()
		c.tracker.SetSetup(m.name, state.SetupRetrying)
		c.tracker.Failure(m.name, errorKind(err), err)
		c.log.Warn().Msgf("modem %s: setup not sent: %v", m.name, err)
	}
}

func (c *Controller) setupDone(m *managedModem, err error) {
	next := setupState(err)
	c.mu.Lock()
	m.busy = false
	current := c.current(m)
	if current {
		m.setup = next
	}
	settings := c.settings
	c.mu.Unlock()
	if !current {
		return
	}

	c.tracker.SetSetup(m.name, next)
	switch next {
	case state.SetupEnabled:
		c.log.Info().Msgf("modem %s: location enabled (%s)", m.name, m.sources)
		c.enableSignal(m, settings.SignalRate, settings.SetupTimeout)
	case state.SetupCancelled:
		c.log.Debug().Msgf("modem %s: setup cancelled", m.name)
	case state.SetupRejected:
		c.tracker.Failure(m.name, errorKind(err), err)
		c.log.Error().Msgf("modem %s: setup rejected, giving up until the config changes: %v", m.name, err)
	default:
		c.tracker.Failure(m.name, errorKind(err), err)
		c.log.Warn().Msgf("modem %s: setup failed, will retry: %v", m.name, err)
	}
}

func setupState(err error) string {
	if err == nil {
		return state.SetupEnabled
	}
	kind, _ := proxy.KindOf(err)
	switch kind {
	case proxy.KindRemoteRejected:
		return state.SetupRejected
	case proxy.KindCancelled:
		return state.SetupCancelled
	default:
		return state.SetupRetrying
	}
}

func (c *Controller) enableSignal(m *managedModem, rate uint32, timeout time.Duration) {
	if rate == 0 {
		return
	}
	c.mu.Lock()
	signal := m.signal
	factory := c.factory
	c.mu.Unlock()
	if signal == nil {
		s, err := factory.SignalProxy(m.path)
		if err != nil {
			c.log.Warn().Msgf("modem %s: no signal proxy: %v", m.name, err)
			return
		}
		c.mu.Lock()
		if m.signal == nil {
			m.signal = s
		}
		signal = m.signal
		c.mu.Unlock()
	}
	_, err := signal.Setup(rate, func(err error) {
		if err != nil {
			c.log.Warn().Msgf("modem %s: signal refresh not enabled: %v", m.name, err)
			return
		}
		c.log.Debug().Msgf("modem %s: signal refresh every %ds", m.name, rate)
	}, timeout)
	if err != nil {
		c.log.Warn().Msgf("modem %s: signal setup not sent: %v", m.name, err)
	}
}

// Poll asks one modem for its location. A modem whose setup needs retrying
// is set up instead; a modem with a call still outstanding is skipped.
func (c *Controller) Poll(name string) {
	c.mu.Lock()
	m, ok := c.modems[name]
	if !ok || m.busy {
		c.mu.Unlock()
		return
	}
	switch m.setup {
	case state.SetupEnabled:
	case state.SetupRetrying, state.SetupCancelled:
		c.mu.Unlock()
		c.setup(m)
		return
	default:
		c.mu.Unlock()
		return
	}
	m.busy = true
	timeout := c.settings.LocationTimeout
	c.mu.Unlock()

	_, err := m.location.GetLocation(func(loc mm1.Location, err error) {
		c.locationDone(m, loc, err)
	}, timeout)
	if err != nil {
		c.mu.Lock()
		m.busy = false
		c.mu.Unlock()
		c.tracker.Failure(m.name, errorKind(err), err)
		c.log.Warn().Msgf("modem %s: location request not sent: %v", m.name, err)
	}
}

func (c *Controller) locationDone(m *managedModem, loc mm1.Location, err error) {
	resetup := needsSetup(err)
	c.mu.Lock()
	m.busy = false
	current := c.current(m)
	if current && resetup {
		m.setup = state.SetupRetrying
	}
	topic := m.config.Topic()
	c.mu.Unlock()
	if !current {
		return
	}

	if err != nil {
		if errors.Is(err, proxy.ErrCancelled) {
			c.log.Debug().Msgf("modem %s: location request cancelled", m.name)
			return
		}
		c.tracker.Failure(m.name, errorKind(err), err)
		if resetup {
			c.tracker.SetSetup(m.name, state.SetupRetrying)
		}
		c.log.Warn().Msgf("modem %s: location failed: %v", m.name, err)
		return
	}

	fix, err := state.Parse(m.name, loc, time.Now())
	if err != nil {
		c.tracker.Failure(m.name, "parse", err)
		c.log.Warn().Msgf("modem %s: %v", m.name, err)
		return
	}
	c.tracker.Record(fix)
	if fix.Empty() {
		c.log.Debug().Msgf("modem %s: no location available yet", m.name)
		return
	}
	c.publishFix(topic, fix)
}

// needsSetup reports whether a failed GetLocation means the modem has lost
// its location setup.
func needsSetup(err error) bool {
	if errors.Is(err, proxy.ErrTransportLost) {
		return true
	}
	var perr *proxy.Error
	return errors.As(err, &perr) && perr.Kind == proxy.KindRemoteRejected && perr.Name == mm1.ErrorCoreWrongState
}

func errorKind(err error) string {
	if kind, ok := proxy.KindOf(err); ok {
		return kind.String()
	}
	if errors.Is(err, proxy.ErrDispatch) {
		return "dispatch"
	}
	return "error"
}

func (c *Controller) publishFix(topic string, fix state.Fix) {
	if c.publish == nil {
		return
	}
	msg := locationMessage{Fix: fix}
	if lat, lon, ok := fix.Position(); ok {
		msg.Latitude = &lat
		msg.Longitude = &lon
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Msgf("modem %s: encoding fix: %v", fix.Modem, err)
		return
	}
	if err := c.publish(topic, payload); err != nil {
		c.log.Warn().Msgf("modem %s: %v", fix.Modem, err)
	}
}
