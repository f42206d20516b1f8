package state

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/elijahnyp/modem_controller/mm1"
)

func TestParseCell(t *testing.T) {
	tests := []struct {
		name     string
		blob     any
		expected Cell
		wantErr  bool
	}{
		{"2G/3G", "310,260,1A2B,00C0FFEE", Cell{MCC: "310", MNC: "260", LAC: 0x1A2B, CI: 0xC0FFEE}, false},
		{"LTE with TAC", "234,15,FFFE,01A2B3C4,3E8", Cell{MCC: "234", MNC: "15", LAC: 0xFFFE, CI: 0x01A2B3C4, TAC: 0x3E8}, false},
		{"Empty LAC", "310,410,,1F,2A", Cell{MCC: "310", MNC: "410", CI: 0x1F, TAC: 0x2A}, false},
		{"Too short", "310,260,1A2B", Cell{}, true},
		{"Not hex", "310,260,ZZZZ,1", Cell{}, true},
		{"Not a string", 42, Cell{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cell, err := ParseCell(tt.blob)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownFormat) {
					t.Errorf("Expected ErrUnknownFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if *cell != tt.expected {
				t.Errorf("Got %+v, expected %+v", *cell, tt.expected)
			}
		})
	}
}

func TestParseFix(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	loc := mm1.Location{
		mm1.Location3GPPLACCI: "310,260,1A2B,00C0FFEE",
		mm1.LocationGPSRaw: map[string]any{
			"utc-time":  "120000.00",
			"latitude":  47.6062,
			"longitude": "-122.3321",
			"altitude":  56.0,
		},
		mm1.LocationGPSNMEA: "$GPGGA,120000.00,4736.37,N,12219.93,W,1,08,0.9,56.0,M,,,,*47\r\n$GPRMC,120000.00,A\r\n",
		mm1.LocationAGPSMSA: "opaque",
	}

	fix, err := Parse("truck", loc, at)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if fix.Modem != "truck" || !fix.Time.Equal(at) {
		t.Errorf("Unexpected header: %+v", fix)
	}
	if fix.Cell == nil || fix.Cell.CI != 0xC0FFEE {
		t.Errorf("Cell = %+v", fix.Cell)
	}
	if fix.GPS == nil || fix.GPS.Latitude != 47.6062 || fix.GPS.Longitude != -122.3321 || fix.GPS.UTCTime != "120000.00" {
		t.Errorf("GPS = %+v", fix.GPS)
	}
	if len(fix.NMEA) != 2 {
		t.Errorf("NMEA = %v", fix.NMEA)
	}
	if fix.Unparsed["agps-msa"] != "opaque" {
		t.Errorf("Unparsed = %v", fix.Unparsed)
	}
	lat, lon, ok := fix.Position()
	if !ok || lat != 47.6062 || lon != -122.3321 {
		t.Errorf("Position = %v, %v, %v", lat, lon, ok)
	}
}

func TestParseFixEdgeCases(t *testing.T) {
	empty, err := Parse("m", mm1.Location{}, time.Now())
	if err != nil || !empty.Empty() {
		t.Errorf("Empty location should parse to an empty fix, got %+v, %v", empty, err)
	}
	if _, _, ok := empty.Position(); ok {
		t.Error("Empty fix has no position")
	}

	cdma, err := Parse("m", mm1.Location{mm1.LocationCDMABS: map[string]any{"latitude": 1.5, "longitude": 2.5}}, time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if lat, lon, ok := cdma.Position(); !ok || lat != 1.5 || lon != 2.5 {
		t.Errorf("CDMA position = %v, %v, %v", lat, lon, ok)
	}

	noFix := []map[string]any{
		{},
		{"utc-time": "000000.00"},
		{"latitude": 47.6},
	}
	for _, dict := range noFix {
		fix, err := Parse("m", mm1.Location{mm1.LocationGPSRaw: dict, mm1.LocationCDMABS: dict}, time.Now())
		if err != nil {
			t.Fatalf("Parse(%v): %v", dict, err)
		}
		if fix.GPS != nil || fix.CDMA != nil || !fix.Empty() {
			t.Errorf("Dict without coordinates %v should leave the fix empty, got %+v", dict, fix)
		}
		if _, _, ok := fix.Position(); ok {
			t.Errorf("Dict without coordinates %v reported a position", dict)
		}
	}

	if _, err := Parse("m", mm1.Location{mm1.LocationGPSRaw: "not a dict"}, time.Now()); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Expected ErrUnknownFormat, got %v", err)
	}
}

func TestTracker(t *testing.T) {
	tracker := NewTracker(3)
	var notified []Fix
	tracker.OnFix(func(f Fix) { notified = append(notified, f) })

	tracker.Register("truck", mm1.ModemPathPrefix+"0", "3gpp-lac-ci|gps-raw")
	if s, _ := tracker.Status("truck"); s.Setup != SetupPending {
		t.Errorf("Setup = %s, expected pending", s.Setup)
	}
	tracker.SetSetup("truck", SetupEnabled)

	for i := 0; i < 5; i++ {
		tracker.Record(Fix{Modem: "truck", Time: time.Unix(int64(i), 0), NMEA: []string{fmt.Sprintf("$%d", i)}})
	}
	history := tracker.History("truck")
	if len(history) != 3 {
		t.Fatalf("History length = %d, expected 3", len(history))
	}
	if history[0].NMEA[0] != "$2" || history[2].NMEA[0] != "$4" {
		t.Errorf("History should keep the newest fixes, got %v", history)
	}
	if len(notified) != 5 {
		t.Errorf("Listener ran %d times, expected 5", len(notified))
	}

	tracker.Failure("truck", "timeout-expired", errors.New("call timed out after 5s"))
	s, ok := tracker.Status("truck")
	if !ok {
		t.Fatal("Status missing")
	}
	if s.Polls != 5 || s.Failures != 1 || s.LastKind != "timeout-expired" || s.Setup != SetupEnabled {
		t.Errorf("Unexpected status: %+v", s)
	}
	if s.Latest == nil || s.Latest.NMEA[0] != "$4" {
		t.Errorf("Latest = %+v", s.Latest)
	}

	tracker.Register("boat", mm1.ModemPathPrefix+"1", "gps-raw")
	all := tracker.All()
	if len(all) != 2 || all[0].Name != "boat" {
		t.Errorf("All = %+v", all)
	}
	tracker.Forget("boat")
	if _, ok := tracker.Status("boat"); ok {
		t.Error("Forgotten modem still tracked")
	}
}
