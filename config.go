package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Configuration carries everything the core needs, fixed once at startup.
type Configuration struct {
	VehicleBatteryCapacity uint32
	WicanMACAddress        string
	WicanPasskey           string
	WicanMaxConnectRetries int
	WicanTimeout           time.Duration
	UpdateFrequencyMinutes int
	APIURL                 string
	LogFile                string
	LogLevel               string
	MQTTBroker             string
	MQTTClientID           string
	Interactive            bool
}

// NewConfiguration returns the defaults matching the documented CLI surface.
func NewConfiguration() *Configuration {
	return &Configuration{
		WicanPasskey:           "123456",
		WicanMaxConnectRetries: 5,
		WicanTimeout:           10 * time.Second,
		UpdateFrequencyMinutes: 1,
		APIURL:                 "http://localhost/battery",
		LogLevel:               "info",
		MQTTClientID:           "wican-bridge",
	}
}

// AddFlags binds the command-line flags to the configuration fields.
func (c *Configuration) AddFlags(fs *pflag.FlagSet) {
	fs.Uint32Var(&c.VehicleBatteryCapacity, "vehicle-battery-capacity", c.VehicleBatteryCapacity,
		"Vehicle battery capacity in Wh (required)")
	fs.StringVar(&c.WicanMACAddress, "wican-mac-address", c.WicanMACAddress,
		"WiCAN MAC address (required)")
	fs.StringVar(&c.WicanPasskey, "wican-passkey", c.WicanPasskey,
		"WiCAN passkey")
	fs.IntVar(&c.WicanMaxConnectRetries, "wican-max-connect-retries", c.WicanMaxConnectRetries,
		"Connection attempts before a cycle is skipped")
	fs.DurationVar(&c.WicanTimeout, "wican-timeout", c.WicanTimeout,
		"Per-attempt timeout for connect, read and relay operations")
	fs.IntVar(&c.UpdateFrequencyMinutes, "wican-update-frequency-minutes", c.UpdateFrequencyMinutes,
		"Minutes between polls")
	fs.StringVar(&c.APIURL, "api-url", c.APIURL,
		"aa-proxy battery endpoint")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile,
		"Log file (in addition to stderr)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel,
		"Log level: off, error, warn, info, debug or trace")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker,
		"Optional MQTT broker host for the Home Assistant mirror")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", c.MQTTClientID,
		"MQTT client ID for the Home Assistant mirror")
	fs.BoolVar(&c.Interactive, "interactive", c.Interactive,
		"Run the interactive console")
}

// ApplyEnv overlays secrets from the environment (typically loaded from a
// .env file) so they need not appear on the command line.
func (c *Configuration) ApplyEnv() {
	if v := os.Getenv("WICAN_PASSKEY"); v != "" {
		c.WicanPasskey = v
	}
}

// Validate checks the startup-fatal invariants before the loop begins.
// Violations here are the only fatal errors in the process.
func (c *Configuration) Validate() error {
	if c.VehicleBatteryCapacity == 0 {
		return errors.New("vehicle battery capacity must be a positive number of Wh")
	}
	if _, err := net.ParseMAC(c.WicanMACAddress); err != nil {
		return fmt.Errorf("invalid WiCAN MAC address %q: %w", c.WicanMACAddress, err)
	}
	if c.WicanMaxConnectRetries < 1 {
		return errors.New("wican-max-connect-retries must be at least 1")
	}
	if c.WicanTimeout <= 0 {
		return errors.New("wican-timeout must be positive")
	}
	if c.UpdateFrequencyMinutes < 1 {
		return errors.New("wican-update-frequency-minutes must be at least 1")
	}
	if c.APIURL == "" {
		return errors.New("api-url must not be empty")
	}
	if _, ok := logLevels[c.LogLevel]; !ok && c.LogLevel != "off" {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// MAC returns the parsed device address. Call Validate first.
func (c *Configuration) MAC() net.HardwareAddr {
	mac, _ := net.ParseMAC(c.WicanMACAddress)
	return mac
}
