package main

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/aa-proxy/wican-bridge/energy"
)

const mirrorDeviceID = "vehicle_battery"

// mirrorPublishTimeout bounds how long a single publish may block the caller
// when the broker is wedged mid-session.
const mirrorPublishTimeout = 5 * time.Second

// MQTTMirror republishes each relayed reading to Home Assistant via MQTT
// discovery, so the vehicle battery shows up as sensors next to the aa-proxy
// head unit. Mirror failures are logged by the caller and never affect the
// device connection or the relay.
type MQTTMirror struct {
	client mqtt.Client
	log    *zap.Logger
}

// NewMQTTMirror connects to the broker. Username and password may be empty
// for anonymous brokers.
func NewMQTTMirror(broker, clientID, username, password string, log *zap.Logger) (*MQTTMirror, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:1883", broker))
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info("connected to MQTT broker", zap.String("broker", broker))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", broker, token.Error())
	}

	return &MQTTMirror{client: client, log: log}, nil
}

// AnnounceEntities creates the vehicle battery entities via MQTT discovery:
// state of charge in % and available energy in Wh.
func (m *MQTTMirror) AnnounceEntities(capacityWh float64) error {
	if err := m.announceEntity(capacityWh, "State of Charge", "battery", "%", "percentage", 1); err != nil {
		return err
	}
	return m.announceEntity(capacityWh, "Available Energy", "energy", "Wh", "available_wh", 0)
}

func (m *MQTTMirror) announceEntity(
	capacityWh float64,
	entityName, entityClass, entityMeasure, jsonKey string,
	displayPrecision int,
) error {
	type haDeviceConfig struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
		Model        string   `json:"model,omitempty"`
	}

	type haEntityConfig struct {
		Name             string         `json:"name,omitempty"`
		DeviceClass      string         `json:"device_class"`
		StateTopic       string         `json:"state_topic"`
		UnitOfMeasure    string         `json:"unit_of_measurement,omitempty"`
		ValueTemplate    string         `json:"value_template"`
		UniqueId         string         `json:"unique_id"`
		ExpireAfter      uint           `json:"expire_after,omitempty"`
		StateClass       string         `json:"state_class,omitempty"`
		DisplayPrecision int            `json:"suggested_display_precision,omitempty"`
		Device           haDeviceConfig `json:"device"`
	}

	config := haEntityConfig{
		Name:             entityName,
		DeviceClass:      entityClass,
		StateTopic:       "homeassistant/sensor/" + mirrorDeviceID + "/state",
		UnitOfMeasure:    entityMeasure,
		ValueTemplate:    "{{ value_json." + jsonKey + "}}",
		UniqueId:         mirrorDeviceID + "_" + jsonKey,
		ExpireAfter:      60 * 30, // 30 minutes
		StateClass:       "measurement",
		DisplayPrecision: displayPrecision,
		Device: haDeviceConfig{
			Identifiers:  []string{mirrorDeviceID},
			Name:         "Vehicle Battery",
			Manufacturer: "WiCAN",
			Model:        fmt.Sprintf("%.0f Wh", capacityWh),
		},
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	configTopic := "homeassistant/sensor/" + mirrorDeviceID + "_" + jsonKey + "/config"
	token := m.client.Publish(configTopic, 2, true, payload)
	if !token.WaitTimeout(mirrorPublishTimeout) {
		return fmt.Errorf("publish to %s timed out after %s", configTopic, mirrorPublishTimeout)
	}
	return token.Error()
}

// PublishReading publishes one reading to the shared state topic.
func (m *MQTTMirror) PublishReading(r energy.Reading) error {
	statePayload := map[string]any{
		"percentage":   r.SOCPercent,
		"available_wh": r.EnergyWh,
	}

	payload, err := json.Marshal(statePayload)
	if err != nil {
		return err
	}

	stateTopic := "homeassistant/sensor/" + mirrorDeviceID + "/state"
	token := m.client.Publish(stateTopic, 0, false, payload)
	if !token.WaitTimeout(mirrorPublishTimeout) {
		return fmt.Errorf("publish to %s timed out after %s", stateTopic, mirrorPublishTimeout)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (m *MQTTMirror) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}
