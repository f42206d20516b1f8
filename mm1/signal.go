package mm1

import (
	"fmt"
	"time"

	"github.com/elijahnyp/modem_controller/proxy"
)

// SignalProxy is the Modem.Signal capability. Only the refresh rate setup is
// exposed; readings are properties and arrive through PropertiesChanged.
type SignalProxy interface {
	Setup(rate uint32, cb ResultCallback, timeout time.Duration) (proxy.CallID, error)
	Cancel(id proxy.CallID) bool
	Close() int
}

type BusSignalProxy struct {
	obj *proxy.Object
}

func NewSignalProxy(session *proxy.Session, service, path string) *BusSignalProxy {
	if service == "" {
		service = Service
	}
	return &BusSignalProxy{obj: session.Object(service, path, ModemSignalInterface)}
}

// Setup sets the refresh rate in seconds. Zero disables refreshing.
func (p *BusSignalProxy) Setup(rate uint32, cb ResultCallback, timeout time.Duration) (proxy.CallID, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", proxy.ErrDispatch)
	}
	return p.obj.Go("Setup", timeout, nil, func(out proxy.Outcome) {
		cb(out.Failure())
	}, rate)
}

func (p *BusSignalProxy) Cancel(id proxy.CallID) bool {
	return p.obj.Cancel(id)
}

func (p *BusSignalProxy) Close() int {
	return p.obj.Close()
}
