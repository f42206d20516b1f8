package mm1

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elijahnyp/modem_controller/proxy"
)

// Rejected builds the error a modem returns when it refuses a call.
func Rejected(name, message string) error {
	return &proxy.Error{Kind: proxy.KindRemoteRejected, Name: name, Message: message}
}

type SetupCall struct {
	ID             proxy.CallID
	Sources        LocationSource
	SignalLocation bool
	Timeout        time.Duration
}

type mockPending struct {
	setup ResultCallback
	get   LocationCallback
	issue time.Time
}

// MockLocationProxy is a LocationProxy with no transport behind it. By
// default each call completes synchronously, before Setup or GetLocation
// returns, with the configured result. In manual mode calls stay pending
// until the test resolves, expires or cancels them.
type MockLocationProxy struct {
	mu          sync.Mutex
	path        string
	manual      bool
	dispatchErr error
	setupErr    error
	location    Location
	locationErr error
	next        proxy.CallID
	pending     map[proxy.CallID]mockPending
	closed      bool
	setups      []SetupCall
	gets        int
}

func NewMockLocationProxy(path string) *MockLocationProxy {
	return &MockLocationProxy{
		path:     path,
		location: Location{},
		pending:  make(map[proxy.CallID]mockPending),
	}
}

func (m *MockLocationProxy) Path() string { return m.path }

func (m *MockLocationProxy) SetManual(manual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = manual
}

// SetDispatchError makes subsequent calls fail synchronously with err
// wrapped in proxy.ErrDispatch. Nil restores normal dispatch.
func (m *MockLocationProxy) SetDispatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchErr = err
}

func (m *MockLocationProxy) SetSetupResult(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setupErr = err
}

func (m *MockLocationProxy) SetLocation(loc Location, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.location = loc
	m.locationErr = err
}

func (m *MockLocationProxy) dispatch(p mockPending) (proxy.CallID, bool, error) {
	if m.closed {
		return 0, false, fmt.Errorf("%w: object closed", proxy.ErrDispatch)
	}
	if m.dispatchErr != nil {
		return 0, false, fmt.Errorf("%w: %w", proxy.ErrDispatch, m.dispatchErr)
	}
	m.next++
	p.issue = time.Now()
	if m.manual {
		m.pending[m.next] = p
	}
	return m.next, !m.manual, nil
}

func (m *MockLocationProxy) Setup(sources LocationSource, signalLocation bool, cb ResultCallback, timeout time.Duration) (proxy.CallID, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", proxy.ErrDispatch)
	}
	m.mu.Lock()
	id, now, err := m.dispatch(mockPending{setup: cb})
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.setups = append(m.setups, SetupCall{ID: id, Sources: sources, SignalLocation: signalLocation, Timeout: timeout})
	result := m.setupErr
	m.mu.Unlock()
	if now {
		cb(result)
	}
	return id, nil
}

func (m *MockLocationProxy) GetLocation(cb LocationCallback, timeout time.Duration) (proxy.CallID, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", proxy.ErrDispatch)
	}
	m.mu.Lock()
	id, now, err := m.dispatch(mockPending{get: cb})
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.gets++
	loc, locErr := m.location, m.locationErr
	m.mu.Unlock()
	if now {
		deliverLocation(cb, loc, locErr)
	}
	return id, nil
}

func deliverLocation(cb LocationCallback, loc Location, err error) {
	if err != nil {
		cb(nil, err)
		return
	}
	copied := make(Location, len(loc))
	for k, v := range loc {
		copied[k] = v
	}
	cb(copied, nil)
}

func (m *MockLocationProxy) SetupCalls() []SetupCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SetupCall(nil), m.setups...)
}

func (m *MockLocationProxy) GetLocationCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// Pending lists the ids of calls waiting in manual mode.
func (m *MockLocationProxy) Pending() []proxy.CallID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]proxy.CallID, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MockLocationProxy) take(id proxy.CallID) (mockPending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return p, ok
}

func (p mockPending) complete(loc Location, err error) {
	if p.setup != nil {
		p.setup(err)
		return
	}
	deliverLocation(p.get, loc, err)
}

// Resolve completes a pending call. loc is ignored for Setup calls.
func (m *MockLocationProxy) Resolve(id proxy.CallID, loc Location, err error) bool {
	p, ok := m.take(id)
	if ok {
		p.complete(loc, err)
	}
	return ok
}

// Expire completes a pending call with a timeout error.
func (m *MockLocationProxy) Expire(id proxy.CallID) bool {
	p, ok := m.take(id)
	if ok {
		p.complete(nil, &proxy.Error{Kind: proxy.KindTimeout, Elapsed: time.Since(p.issue)})
	}
	return ok
}

// DropConnection fails every pending call as transport-lost.
func (m *MockLocationProxy) DropConnection() int {
	return m.failAll(proxy.KindTransportLost, "connection lost", false)
}

func (m *MockLocationProxy) Cancel(id proxy.CallID) bool {
	p, ok := m.take(id)
	if ok {
		p.complete(nil, &proxy.Error{Kind: proxy.KindCancelled, Message: "cancelled by caller"})
	}
	return ok
}

func (m *MockLocationProxy) Close() int {
	return m.failAll(proxy.KindCancelled, "proxy closed", true)
}

func (m *MockLocationProxy) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockLocationProxy) failAll(kind proxy.ErrorKind, detail string, closing bool) int {
	m.mu.Lock()
	if closing {
		m.closed = true
	}
	calls := make([]mockPending, 0, len(m.pending))
	for id, p := range m.pending {
		calls = append(calls, p)
		delete(m.pending, id)
	}
	m.mu.Unlock()
	for _, p := range calls {
		p.complete(nil, &proxy.Error{Kind: kind, Message: detail})
	}
	return len(calls)
}

// MockSignalProxy records refresh rates and completes synchronously.
type MockSignalProxy struct {
	mu     sync.Mutex
	next   proxy.CallID
	err    error
	closed bool
	rates  []uint32
}

func (m *MockSignalProxy) Rates() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.rates...)
}

func (m *MockSignalProxy) SetResult(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockSignalProxy) Setup(rate uint32, cb ResultCallback, timeout time.Duration) (proxy.CallID, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", proxy.ErrDispatch)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: object closed", proxy.ErrDispatch)
	}
	m.next++
	id := m.next
	m.rates = append(m.rates, rate)
	err := m.err
	m.mu.Unlock()
	cb(err)
	return id, nil
}

func (m *MockSignalProxy) Cancel(proxy.CallID) bool { return false }

func (m *MockSignalProxy) Close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return 0
}
