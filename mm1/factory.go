package mm1

import (
	"fmt"
	"strings"
	"sync"

	"github.com/elijahnyp/modem_controller/proxy"
)

// ProxyFactory builds capability proxies for a modem object path. It is
// passed to whatever constructs proxies so tests can substitute mocks.
type ProxyFactory interface {
	LocationProxy(path string) (LocationProxy, error)
	SignalProxy(path string) (SignalProxy, error)
}

// BusProxyFactory builds proxies on one session.
type BusProxyFactory struct {
	session *proxy.Session
	service string
}

func NewBusProxyFactory(session *proxy.Session, service string) *BusProxyFactory {
	if service == "" {
		service = Service
	}
	return &BusProxyFactory{session: session, service: service}
}

func (f *BusProxyFactory) LocationProxy(path string) (LocationProxy, error) {
	path, err := ModemPath(path)
	if err != nil {
		return nil, err
	}
	return NewLocationProxy(f.session, f.service, path), nil
}

func (f *BusProxyFactory) SignalProxy(path string) (SignalProxy, error) {
	path, err := ModemPath(path)
	if err != nil {
		return nil, err
	}
	return NewSignalProxy(f.session, f.service, path), nil
}

// ModemPath expands a bare modem index such as "0" to its full object path.
func ModemPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("empty modem path")
	}
	if strings.HasPrefix(path, "/") {
		return path, nil
	}
	for _, r := range path {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid modem path %q", path)
		}
	}
	return ModemPathPrefix + path, nil
}

// MockProxyFactory hands out one mock per path, created on first use, and
// keeps them so tests can script and inspect them. A closed location mock is
// replaced on the next request.
type MockProxyFactory struct {
	mu        sync.Mutex
	locations map[string]*MockLocationProxy
	signals   map[string]*MockSignalProxy
	err       error
}

func NewMockProxyFactory() *MockProxyFactory {
	return &MockProxyFactory{
		locations: make(map[string]*MockLocationProxy),
		signals:   make(map[string]*MockSignalProxy),
	}
}

// SetError makes the factory refuse to build proxies.
func (f *MockProxyFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *MockProxyFactory) Location(path string) *MockLocationProxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location(path)
}

func (f *MockProxyFactory) location(path string) *MockLocationProxy {
	m, ok := f.locations[path]
	if !ok || m.Closed() {
		m = NewMockLocationProxy(path)
		f.locations[path] = m
	}
	return m
}

func (f *MockProxyFactory) Signal(path string) *MockSignalProxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal(path)
}

func (f *MockProxyFactory) signal(path string) *MockSignalProxy {
	m, ok := f.signals[path]
	if !ok {
		m = &MockSignalProxy{}
		f.signals[path] = m
	}
	return m
}

func (f *MockProxyFactory) LocationProxy(path string) (LocationProxy, error) {
	path, err := ModemPath(path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.location(path), nil
}

func (f *MockProxyFactory) SignalProxy(path string) (SignalProxy, error) {
	path, err := ModemPath(path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.signal(path), nil
}
