package mm1

import (
	"fmt"
	"time"

	"github.com/elijahnyp/modem_controller/proxy"
	"github.com/spf13/cast"
)

// Location maps each enabled source to its raw location blob: a string for
// 3GPP LAC/CI and NMEA, a dictionary for GPS raw and CDMA base station.
type Location map[LocationSource]any

// ResultCallback receives nil on success or a *proxy.Error.
type ResultCallback func(err error)

// LocationCallback receives the location on success. On failure loc is nil
// and err is a *proxy.Error.
type LocationCallback func(loc Location, err error)

// LocationProxy is the Modem.Location capability.
//
// A returned error is always a dispatch error; the callback then never runs.
// Otherwise the callback runs exactly once, possibly on another goroutine.
type LocationProxy interface {
	Setup(sources LocationSource, signalLocation bool, cb ResultCallback, timeout time.Duration) (proxy.CallID, error)
	GetLocation(cb LocationCallback, timeout time.Duration) (proxy.CallID, error)
	// Cancel resolves one outstanding call with a cancelled error.
	Cancel(id proxy.CallID) bool
	// Close cancels all outstanding calls and refuses new ones.
	Close() int
	Path() string
}

// BusLocationProxy is the LocationProxy backed by a proxy.Session.
type BusLocationProxy struct {
	obj *proxy.Object
}

func NewLocationProxy(session *proxy.Session, service, path string) *BusLocationProxy {
	if service == "" {
		service = Service
	}
	return &BusLocationProxy{obj: session.Object(service, path, ModemLocationInterface)}
}

func (p *BusLocationProxy) Path() string {
	return p.obj.Path()
}

// Setup enables the given sources. The mask is checked by the modem, not
// here: unsupported sources come back as a remote-rejected error.
func (p *BusLocationProxy) Setup(sources LocationSource, signalLocation bool, cb ResultCallback, timeout time.Duration) (proxy.CallID, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", proxy.ErrDispatch)
	}
	return p.obj.Go("Setup", timeout, nil, func(out proxy.Outcome) {
		cb(out.Failure())
	}, uint32(sources), signalLocation)
}

func (p *BusLocationProxy) GetLocation(cb LocationCallback, timeout time.Duration) (proxy.CallID, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", proxy.ErrDispatch)
	}
	return p.obj.Go("GetLocation", timeout, decodeLocation, func(out proxy.Outcome) {
		if !out.OK() {
			cb(nil, out.Err)
			return
		}
		loc, _ := out.Value.(Location)
		if loc == nil {
			loc = Location{}
		}
		cb(loc, nil)
	})
}

func (p *BusLocationProxy) Cancel(id proxy.CallID) bool {
	return p.obj.Cancel(id)
}

func (p *BusLocationProxy) Close() int {
	return p.obj.Close()
}

// decodeLocation accepts the a{uv} reply either as delivered by D-Bus or
// after a JSON round trip, where keys arrive as strings.
func decodeLocation(body []any) (any, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("GetLocation reply has no body")
	}
	loc := Location{}
	switch m := body[0].(type) {
	case nil:
		return loc, nil
	case map[uint32]any:
		for k, v := range m {
			loc[LocationSource(k)] = v
		}
	case map[string]any:
		for k, v := range m {
			n, err := cast.ToUint32E(k)
			if err != nil {
				return nil, fmt.Errorf("location source key %q: %w", k, err)
			}
			loc[LocationSource(n)] = v
		}
	case map[any]any:
		for k, v := range m {
			n, err := cast.ToUint32E(k)
			if err != nil {
				return nil, fmt.Errorf("location source key %v: %w", k, err)
			}
			loc[LocationSource(n)] = v
		}
	default:
		return nil, fmt.Errorf("GetLocation reply has type %T, want a{uv}", body[0])
	}
	return loc, nil
}
