package util

import (
	"os"
	"testing"
	"time"
)

func TestGetRandStringVariousLengths(t *testing.T) {
	tests := []struct {
		name   string
		length int
	}{
		{"Zero length", 0},
		{"Single character", 1},
		{"Small string", 5},
		{"Medium string", 10},
		{"Large string", 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetRandString(tt.length)

			if len(result) != tt.length {
				t.Errorf("GetRandString(%d) = length %d, expected %d", tt.length, len(result), tt.length)
			}

			// Verify all characters are letters
			for i, char := range result {
				if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z')) {
					t.Errorf("GetRandString(%d) contains non-letter at position %d: %c", tt.length, i, char)
				}
			}
		})
	}
}

func TestRegisterNewConfigListener(t *testing.T) {
	// Clear existing listeners
	config_listeners = []func(){}

	// Test adding listeners
	called1 := false
	called2 := false

	listener1 := func() { called1 = true }
	listener2 := func() { called2 = true }

	RegisterNewConfigListener(listener1)
	RegisterNewConfigListener(listener2)

	if len(config_listeners) != 2 {
		t.Errorf("Expected 2 listeners, got %d", len(config_listeners))
	}

	// Test that duplicate listeners are not added
	RegisterNewConfigListener(listener1) // Should not add duplicate

	if len(config_listeners) != 2 {
		t.Errorf("Expected 2 listeners after duplicate addition, got %d", len(config_listeners))
	}

	// Test OnNewConfig calls all listeners
	OnNewConfig()

	if !called1 || !called2 {
		t.Error("OnNewConfig should call all registered listeners")
	}
}

func TestOnNewConfig(t *testing.T) {
	// Clear existing listeners
	config_listeners = []func(){}

	callCount := 0
	listener := func() { callCount++ }

	RegisterNewConfigListener(listener)
	RegisterNewConfigListener(listener)               // Should be deduplicated
	RegisterNewConfigListener(func() { callCount++ }) // Different function

	OnNewConfig()

	// Should have called 2 unique listeners
	if callCount != 2 {
		t.Errorf("Expected 2 listener calls, got %d", callCount)
	}
}

func TestSetupConfigDefaults(t *testing.T) {
	SetupConfig()

	if Config.GetString("Broker_URI") == "" {
		t.Error("Broker_URI default should not be empty")
	}

	if Config.GetString("mm_service") != "org.freedesktop.ModemManager1" {
		t.Errorf("mm_service default = %s", Config.GetString("mm_service"))
	}

	if bus := Config.GetString("bus"); bus != "dbus" {
		t.Errorf("bus default = %s, expected dbus", bus)
	}

	if Seconds("setup_timeout") != 30*time.Second {
		t.Errorf("setup_timeout default = %v, expected 30s", Seconds("setup_timeout"))
	}

	if Seconds("location_timeout") != 5*time.Second {
		t.Errorf("location_timeout default = %v, expected 5s", Seconds("location_timeout"))
	}

	if Config.GetInt("poll_workers") <= 0 {
		t.Errorf("poll_workers default should be positive, got %d", Config.GetInt("poll_workers"))
	}
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected time.Duration
	}{
		{"Integer", 30, 30 * time.Second},
		{"Float", 1.5, 1500 * time.Millisecond},
		{"Numeric string", "5", 5 * time.Second},
		{"Duration string", "1m30s", 90 * time.Second},
		{"Zero", 0, 0},
		{"Negative disables", -1, -1},
		{"Garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config.Set("test_seconds", tt.value)
			if got := Seconds("test_seconds"); got != tt.expected {
				t.Errorf("Seconds(%v) = %v, expected %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestSetupConfigEnvironmentVariables(t *testing.T) {
	t.Setenv("POLL_WORKERS", "7")
	t.Setenv("SETUP_TIMEOUT", "45s")

	SetupConfig()

	if got := Config.GetInt("poll_workers"); got != 7 {
		t.Errorf("poll_workers = %d, expected 7 from the environment", got)
	}
	if got := Seconds("setup_timeout"); got != 45*time.Second {
		t.Errorf("setup_timeout = %v, expected 45s from the environment", got)
	}
}

func TestSetupConfigFile(t *testing.T) {
	content := `
location_timeout: 9s
signal_rate: 3
model:
  modems:
    - name: van
      path: "2"
      sources: gps-raw|gps-nmea
`
	if err := os.WriteFile("modem_controller.yaml", []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	defer func() { _ = os.Remove("modem_controller.yaml") }() //nolint:errcheck // test cleanup

	SetupConfig()

	if got := Seconds("location_timeout"); got != 9*time.Second {
		t.Errorf("location_timeout = %v, expected 9s", got)
	}
	if got := Config.GetUint32("signal_rate"); got != 3 {
		t.Errorf("signal_rate = %d, expected 3", got)
	}
	var m Model
	if err := m.BuildModel(); err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	van, ok := m.FindModem("van")
	if !ok {
		t.Fatalf("Expected modem van in %+v", m)
	}
	if path, _ := van.ObjectPath(); path != "/org/freedesktop/ModemManager1/Modem/2" {
		t.Errorf("Path = %s", path)
	}
}
