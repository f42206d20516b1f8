package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elijahnyp/modem_controller/mm1"
	"github.com/mitchellh/mapstructure"
)

var ErrUnknownFormat = errors.New("unknown location format")

// Fix is one GetLocation result, parsed per source.
type Fix struct {
	Modem string    `json:"modem"`
	Time  time.Time `json:"time"`
	Cell  *Cell     `json:"cell,omitempty"`
	GPS   *GPS      `json:"gps,omitempty"`
	NMEA  []string  `json:"nmea,omitempty"`
	CDMA  *CDMA     `json:"cdma,omitempty"`
	// Unparsed keeps blobs of sources this package does not know, by name.
	Unparsed map[string]any `json:"unparsed,omitempty"`
}

// Cell is a 3GPP serving cell. LAC, TAC and CI are hex on the wire.
type Cell struct {
	MCC string `json:"mcc"`
	MNC string `json:"mnc"`
	LAC uint32 `json:"lac"`
	CI  uint32 `json:"ci"`
	TAC uint32 `json:"tac,omitempty"`
}

type GPS struct {
	UTCTime   string  `mapstructure:"utc-time" json:"utc_time,omitempty"`
	Latitude  float64 `mapstructure:"latitude" json:"latitude"`
	Longitude float64 `mapstructure:"longitude" json:"longitude"`
	Altitude  float64 `mapstructure:"altitude" json:"altitude,omitempty"`
}

type CDMA struct {
	Latitude  float64 `mapstructure:"latitude" json:"latitude"`
	Longitude float64 `mapstructure:"longitude" json:"longitude"`
}

// Empty reports whether no source produced anything.
func (f Fix) Empty() bool {
	return f.Cell == nil && f.GPS == nil && len(f.NMEA) == 0 && f.CDMA == nil && len(f.Unparsed) == 0
}

// Position returns coordinates from GPS, else from the CDMA base station.
func (f Fix) Position() (lat, lon float64, ok bool) {
	if f.GPS != nil {
		return f.GPS.Latitude, f.GPS.Longitude, true
	}
	if f.CDMA != nil {
		return f.CDMA.Latitude, f.CDMA.Longitude, true
	}
	return 0, 0, false
}

// Parse turns a location mapping into a Fix. A blob that does not parse
// fails the whole fix; sources it does not know are kept unparsed.
func Parse(modem string, loc mm1.Location, at time.Time) (Fix, error) {
	fix := Fix{Modem: modem, Time: at}
	for source, blob := range loc {
		var err error
		switch source {
		case mm1.Location3GPPLACCI:
			fix.Cell, err = ParseCell(blob)
		case mm1.LocationGPSRaw:
			gps := &GPS{}
			if err = decodeCoordinates(blob, gps); err == errNoCoordinates {
				err = nil
			} else if err == nil {
				fix.GPS = gps
			}
		case mm1.LocationGPSNMEA:
			fix.NMEA, err = ParseNMEA(blob)
		case mm1.LocationCDMABS:
			cdma := &CDMA{}
			if err = decodeCoordinates(blob, cdma); err == errNoCoordinates {
				err = nil
			} else if err == nil {
				fix.CDMA = cdma
			}
		default:
			if fix.Unparsed == nil {
				fix.Unparsed = make(map[string]any)
			}
			fix.Unparsed[source.String()] = blob
		}
		if err != nil {
			return Fix{}, fmt.Errorf("%s: %w", source, err)
		}
	}
	return fix, nil
}

// ParseCell parses "MCC,MNC,LAC,CI[,TAC]".
func ParseCell(blob any) (*Cell, error) {
	s, ok := blob.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownFormat, blob)
	}
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 4 || len(parts) > 5 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	cell := &Cell{MCC: parts[0], MNC: parts[1]}
	fields := []*uint32{&cell.LAC, &cell.CI, &cell.TAC}
	for i, p := range parts[2:] {
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrUnknownFormat, s, err)
		}
		*fields[i] = uint32(n)
	}
	return cell, nil
}

// ParseNMEA splits the raw trace into sentences.
func ParseNMEA(blob any) ([]string, error) {
	s, ok := blob.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownFormat, blob)
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "$") {
			out = append(out, line)
		}
	}
	return out, nil
}

// errNoCoordinates marks a dict the modem sent before it had a fix.
var errNoCoordinates = errors.New("no coordinates")

// decodeCoordinates decodes a GPS or CDMA dict, which only counts as a
// position when both latitude and longitude are present.
func decodeCoordinates(blob any, out any) error {
	keys, err := decodeDict(blob, out)
	if err != nil {
		return err
	}
	var lat, lon bool
	for _, key := range keys {
		switch key {
		case "latitude":
			lat = true
		case "longitude":
			lon = true
		}
	}
	if !lat || !lon {
		return errNoCoordinates
	}
	return nil
}

func decodeDict(blob any, out any) ([]string, error) {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	return md.Keys, nil
}
