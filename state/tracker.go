package state

import (
	"sort"
	"sync"
	"time"
)

// Setup states of a modem's location capability.
const (
	SetupPending   = "pending"
	SetupEnabled   = "enabled"
	SetupRejected  = "rejected"
	SetupRetrying  = "retrying"
	SetupCancelled = "cancelled"
)

// ModemStatus is what the controller knows about one modem.
type ModemStatus struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Sources   string    `json:"sources"`
	Setup     string    `json:"setup"`
	Polls     uint64    `json:"polls"`
	Failures  uint64    `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastKind  string    `json:"last_error_kind,omitempty"`
	Updated   time.Time `json:"updated"`
	Latest    *Fix      `json:"latest,omitempty"`
}

// Tracker keeps the status and a bounded fix history per modem.
type Tracker struct {
	mu        sync.RWMutex
	limit     int
	status    map[string]*ModemStatus
	history   map[string][]Fix
	listeners []func(Fix)
}

func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = 1
	}
	return &Tracker{
		limit:   limit,
		status:  make(map[string]*ModemStatus),
		history: make(map[string][]Fix),
	}
}

// OnFix registers fn to run after each recorded fix.
func (t *Tracker) OnFix(fn func(Fix)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) entry(name string) *ModemStatus {
	s, ok := t.status[name]
	if !ok {
		s = &ModemStatus{Name: name, Setup: SetupPending}
		t.status[name] = s
	}
	return s
}

// Register (re)declares a modem, resetting its setup state.
func (t *Tracker) Register(name, path, sources string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	s.Path = path
	s.Sources = sources
	s.Setup = SetupPending
	s.LastError = ""
	s.LastKind = ""
	s.Updated = time.Now()
}

func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.status, name)
	delete(t.history, name)
}

func (t *Tracker) SetSetup(name, setup string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	s.Setup = setup
	s.Updated = time.Now()
}

// Failure records a failed call; kind is the error kind's name.
func (t *Tracker) Failure(name, kind string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	s.Failures++
	s.LastKind = kind
	if err != nil {
		s.LastError = err.Error()
	}
	s.Updated = time.Now()
}

// Record stores a fix and notifies listeners.
func (t *Tracker) Record(fix Fix) {
	t.mu.Lock()
	s := t.entry(fix.Modem)
	s.Polls++
	s.Updated = fix.Time
	latest := fix
	s.Latest = &latest
	h := append(t.history[fix.Modem], fix)
	if len(h) > t.limit {
		h = h[len(h)-t.limit:]
	}
	t.history[fix.Modem] = h
	listeners := append([]func(Fix){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(fix)
	}
}

func (t *Tracker) Status(name string) (ModemStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.status[name]
	if !ok {
		return ModemStatus{}, false
	}
	return *s, true
}

// All returns every modem status sorted by name.
func (t *Tracker) All() []ModemStatus {
	t.mu.RLock()
	out := make([]ModemStatus, 0, len(t.status))
	for _, s := range t.status {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns a copy of the recorded fixes, oldest first.
func (t *Tracker) History(name string) []Fix {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Fix(nil), t.history[name]...)
}
