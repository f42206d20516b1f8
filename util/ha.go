package util

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

type HAAvdvertisementAvailability struct {
	Topic               string `json:"topic"`                 // : "modem_controller/online"
	PayloadAvailable    string `json:"payload_available"`     // : "online"
	PayloadNotAvailable string `json:"payload_not_available"` // : "offline"
}

type HADeviceSpec struct {
	Name        string   `json:"name"` // : "modem_controller"
	Identifiers []string `json:"ids"`  // : ["modem_controller"]
}

// HAAdvertisement is the discovery config of a GPS device_tracker. Position
// comes from latitude/longitude attributes on the location topic.
type HAAdvertisement struct { //nolint:govet // struct layout optimized for JSON field order
	HAAvdvertisementAvailability []HAAvdvertisementAvailability `json:"availability"`
	Device                       HADeviceSpec                   `json:"device"`                // Device info
	UniqueID                     string                         `json:"uniq_id"`               // "modem_tracker-truck"
	Name                         string                         `json:"name"`                  // : "truck"
	JsonAttributesTopic          string                         `json:"json_attributes_topic"` // : "modem_controller/truck/location"
	SourceType                   string                         `json:"source_type"`           // : "gps"
	Platform                     string                         `json:"platform"`              // "device_tracker"
	Qos                          int                            `json:"qos"`
}

func (ha HAAdvertisement) ToJson() string {
	data, err := json.Marshal(ha)
	if err != nil {
		Logger.Error().Msgf("Error marshalling HAAdvertisement: %v", err)
		return ""
	}
	return string(data)
}

func ConstructHAAdvertisement(name, locationTopic string) HAAdvertisement {
	return HAAdvertisement{
		Name:                name,
		JsonAttributesTopic: locationTopic,
		SourceType:          "gps",
		HAAvdvertisementAvailability: []HAAvdvertisementAvailability{
			{
				Topic:               OnlineTopic,
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
			},
		},
		Qos:      0,
		UniqueID: "modem_tracker-" + name,
		Platform: "device_tracker",
		Device: HADeviceSpec{
			Name:        "modem_controller",
			Identifiers: []string{"modem_controller"},
		},
	}
}

func DiscoveryTopic(name string) string {
	return "homeassistant/device_tracker/" + name + "/config"
}

func AdvertiseHA(modems []Modem, client MQTT.Client) error {
	for _, modem := range modems {
		ha := ConstructHAAdvertisement(modem.Name, modem.Topic())
		if err := Publish(client, DiscoveryTopic(modem.Name), true, ha.ToJson(), 5*time.Second); err != nil {
			return fmt.Errorf("advertising %s: %w", modem.Name, err)
		}
	}
	return nil
}
