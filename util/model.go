package util

import (
	"fmt"
	"strings"

	"github.com/elijahnyp/modem_controller/mm1"
)

const DefaultSources = mm1.Location3GPPLACCI | mm1.LocationGPSRaw

type Model struct {
	Modems []Modem `mapstructure:"modems"`
}

type Modem struct {
	Name            string `mapstructure:"name"`
	Path            string `mapstructure:"path"`
	Sources         any    `mapstructure:"sources"`
	Signal_location bool   `mapstructure:"signal_location"`
	Location_topic  string `mapstructure:"location_topic"`
}

// SourceMask parses the configured sources, falling back to cell tower and
// GPS when none are given.
func (m Modem) SourceMask() (mm1.LocationSource, error) {
	if m.Sources == nil {
		return DefaultSources, nil
	}
	if s, ok := m.Sources.(string); ok && strings.TrimSpace(s) == "" {
		return DefaultSources, nil
	}
	return mm1.ParseLocationSource(m.Sources)
}

func (m Modem) ObjectPath() (string, error) {
	return mm1.ModemPath(m.Path)
}

// Topic returns the location topic, derived from the name when unset.
func (m Modem) Topic() string {
	if m.Location_topic != "" {
		return m.Location_topic
	}
	return "modem_controller/" + m.Name + "/location"
}

func (m *Model) BuildModel() error {
	m.Modems = nil
	err := Config.UnmarshalKey("model", m)
	if err != nil {
		Logger.Error().Msgf("error unmarshaling model: %v", err)
		return fmt.Errorf("error unmarshaling model: %w", err)
	}
	return m.Validate()
}

func (m Model) Validate() error {
	seen := make(map[string]bool)
	for i, modem := range m.Modems {
		if modem.Name == "" {
			return fmt.Errorf("modem %d has no name", i)
		}
		if seen[modem.Name] {
			return fmt.Errorf("duplicate modem name %q", modem.Name)
		}
		seen[modem.Name] = true
		if _, err := modem.ObjectPath(); err != nil {
			return fmt.Errorf("modem %s: %w", modem.Name, err)
		}
		if _, err := modem.SourceMask(); err != nil {
			return fmt.Errorf("modem %s: %w", modem.Name, err)
		}
	}
	return nil
}

func (m Model) FindModem(name string) (Modem, bool) {
	for _, entry := range m.Modems {
		if entry.Name == name {
			return entry, true
		}
	}
	return Modem{}, false
}

func (m Model) FindModemByTopic(topic string) string {
	for _, entry := range m.Modems {
		if entry.Topic() == topic {
			return entry.Name
		}
	}
	return ""
}

func (m Model) Names() []string {
	names := make([]string, 0, len(m.Modems))
	for _, entry := range m.Modems {
		names = append(names, entry.Name)
	}
	return names
}
