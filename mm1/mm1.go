// Package mm1 holds typed capability proxies for ModemManager1 modem
// objects. Each proxy is a thin typed layer over a proxy.Object.
package mm1

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// ModemManager1 bus constants
const (
	Service                = "org.freedesktop.ModemManager1"
	ManagerPath            = "/org/freedesktop/ModemManager1"
	ModemPathPrefix        = "/org/freedesktop/ModemManager1/Modem/"
	ModemInterface         = "org.freedesktop.ModemManager1.Modem"
	ModemLocationInterface = "org.freedesktop.ModemManager1.Modem.Location"
	ModemSignalInterface   = "org.freedesktop.ModemManager1.Modem.Signal"
)

// Remote error names returned by ModemManager.
const (
	ErrorCoreFailed       = "org.freedesktop.ModemManager1.Error.Core.Failed"
	ErrorCoreUnsupported  = "org.freedesktop.ModemManager1.Error.Core.Unsupported"
	ErrorCoreInvalidArgs  = "org.freedesktop.ModemManager1.Error.Core.InvalidArgs"
	ErrorCoreWrongState   = "org.freedesktop.ModemManager1.Error.Core.WrongState"
	ErrorCoreUnauthorized = "org.freedesktop.ModemManager1.Error.Core.Unauthorized"
)

// LocationSource is the MMModemLocationSource bitmask.
type LocationSource uint32

const (
	Location3GPPLACCI      LocationSource = 1 << 0
	LocationGPSRaw         LocationSource = 1 << 1
	LocationGPSNMEA        LocationSource = 1 << 2
	LocationCDMABS         LocationSource = 1 << 3
	LocationGPSUnmanaged   LocationSource = 1 << 4
	LocationAGPSMSA        LocationSource = 1 << 5
	LocationAGPSMSB        LocationSource = 1 << 6
	LocationNone           LocationSource = 0
	locationAll                           = Location3GPPLACCI | LocationGPSRaw | LocationGPSNMEA | LocationCDMABS | LocationGPSUnmanaged | LocationAGPSMSA | LocationAGPSMSB
)

// Common aliases
const (
	LocationCellTower = Location3GPPLACCI
	LocationGPS       = LocationGPSRaw
)

var sourceNames = map[LocationSource]string{
	Location3GPPLACCI:    "3gpp-lac-ci",
	LocationGPSRaw:       "gps-raw",
	LocationGPSNMEA:      "gps-nmea",
	LocationCDMABS:       "cdma-bs",
	LocationGPSUnmanaged: "gps-unmanaged",
	LocationAGPSMSA:      "agps-msa",
	LocationAGPSMSB:      "agps-msb",
}

var sourceAliases = map[string]LocationSource{
	"cell":      Location3GPPLACCI,
	"celltower": Location3GPPLACCI,
	"3gpp":      Location3GPPLACCI,
	"gps":       LocationGPSRaw,
	"nmea":      LocationGPSNMEA,
	"cdma":      LocationCDMABS,
}

// Flags splits the mask into its single-bit sources, lowest first. Unknown
// bits are returned too.
func (s LocationSource) Flags() []LocationSource {
	var flags []LocationSource
	for bit := LocationSource(1); bit != 0; bit <<= 1 {
		if s&bit != 0 {
			flags = append(flags, bit)
		}
	}
	return flags
}

func (s LocationSource) String() string {
	if s == LocationNone {
		return "none"
	}
	names := make([]string, 0, 2)
	for _, f := range s.Flags() {
		if n, ok := sourceNames[f]; ok {
			names = append(names, n)
		} else {
			names = append(names, fmt.Sprintf("0x%x", uint32(f)))
		}
	}
	return strings.Join(names, "|")
}

// Known reports whether every bit of s is a source ModemManager defines.
func (s LocationSource) Known() bool {
	return s&^locationAll == 0
}

// ParseLocationSource accepts a number, a single source name or a list
// joined by '|' or ','.
func ParseLocationSource(v any) (LocationSource, error) {
	switch t := v.(type) {
	case LocationSource:
		return t, nil
	case []string:
		return parseSourceNames(t)
	case []any:
		names := make([]string, 0, len(t))
		for _, e := range t {
			s, err := cast.ToStringE(e)
			if err != nil {
				return 0, fmt.Errorf("location source %v: %w", e, err)
			}
			names = append(names, s)
		}
		return parseSourceNames(names)
	case string:
		if n, err := cast.ToUint32E(t); err == nil {
			return LocationSource(n), nil
		}
		return parseSourceNames(strings.FieldsFunc(t, func(r rune) bool { return r == '|' || r == ',' }))
	}
	n, err := cast.ToUint32E(v)
	if err != nil {
		return 0, fmt.Errorf("location source %v: %w", v, err)
	}
	return LocationSource(n), nil
}

func parseSourceNames(names []string) (LocationSource, error) {
	var mask LocationSource
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if f, ok := sourceAliases[name]; ok {
			mask |= f
			continue
		}
		found := false
		for f, n := range sourceNames {
			if n == name {
				mask |= f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown location source %q", raw)
		}
	}
	return mask, nil
}

// SourceNames lists every known source name, sorted.
func SourceNames() []string {
	names := make([]string, 0, len(sourceNames))
	for _, n := range sourceNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
