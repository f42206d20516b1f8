package util

import (
	"crypto/rand"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const ENV_PREFIX = ""

var Config = viper.New()

var config_listeners []func()

func RegisterNewConfigListener(new_listener func()) {
	for _, listener := range config_listeners {
		if reflect.ValueOf(new_listener).Pointer() == reflect.ValueOf(listener).Pointer() {
			Logger.Warn().Msg("config listener already registered")
			return
		}
	}
	config_listeners = append(config_listeners, new_listener)
}

func OnNewConfig() {
	for _, listener := range config_listeners {
		listener()
	}
}

func GetRandString(n int) string {
	// using crypto/rand for better security
	const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, n)
	for i := range b {
		randBytes := make([]byte, 1)
		if _, err := rand.Read(randBytes); err != nil {
			// fallback to a simple approach if crypto/rand fails
			b[i] = letterBytes[i%len(letterBytes)]
		} else {
			b[i] = letterBytes[int(randBytes[0])%len(letterBytes)]
		}
	}
	return string(b)
}

// Seconds reads key as a number of seconds, or as a duration string such as
// "1m30s". Negative values mean no timeout and come back as -1.
func Seconds(key string) time.Duration {
	raw := Config.Get(key)
	if s, ok := raw.(string); ok && strings.ContainsAny(s, "hms") {
		d, err := time.ParseDuration(s)
		if err != nil {
			Logger.Warn().Msgf("invalid duration for %s: %v", key, err)
			return 0
		}
		return d
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		Logger.Warn().Msgf("invalid duration for %s: %v", key, err)
		return 0
	}
	if f < 0 {
		return -1
	}
	return time.Duration(f * float64(time.Second))
}

func SetupConfig() {
	Config.SetEnvPrefix(ENV_PREFIX)
	// set defaults
	Config.SetDefault("Log_level", "info")
	Config.SetDefault("Broker_URI", "tcp://mqtt")
	Config.SetDefault("Cleansess", false)
	Config.SetDefault("Id_base", "modem_controller")
	Config.SetDefault("Username", "")
	Config.SetDefault("Password", "")
	Config.SetDefault("Details_port", 8080)
	Config.SetDefault("Bus", "dbus")
	Config.SetDefault("Bus_prefix", "mm")
	Config.SetDefault("Dbus_address", "")
	Config.SetDefault("MM_service", "org.freedesktop.ModemManager1")
	Config.SetDefault("Setup_timeout", 30)
	Config.SetDefault("Location_timeout", 5)
	Config.SetDefault("Poll_frequency", 30)
	Config.SetDefault("Poll_workers", 2)
	Config.SetDefault("Signal_rate", 0)
	Config.SetDefault("History", 50)

	// config file
	Config.SetConfigName("modem_controller")
	Config.AddConfigPath("/")
	Config.AddConfigPath("./")
	Config.AddConfigPath("./config")
	Config.AddConfigPath("/etc")
	Config.AddConfigPath("/modem_controller")
	Config.AddConfigPath("/modem_controller/config")

	err := Config.ReadInConfig()
	if err != nil {
		Logger.Error().Msgf("unable to read config file: %v", fmt.Errorf("%v", err))
	}

	// environment variables
	Config.AutomaticEnv()

	// watch for changes
	Config.WatchConfig()
	Config.OnConfigChange(func(e fsnotify.Event) {
		Logger.Info().Msgf("Config file changed: %v", e.Name)
		Logger.Debug().Msgf("Config Additional Info: %v", e.String())
		OnNewConfig()
	})

}
