package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"i4.energy/across/cellink/urc"
)

const mqttPublishTimeout = 5 * time.Second

// eventMessage is the wire form of a driver event on every outer surface.
type eventMessage struct {
	Event string    `json:"event"`
	Time  time.Time `json:"time"`
	Data  urc.Event `json:"data"`
}

func encodeEvent(ev urc.Event, at time.Time) ([]byte, error) {
	return json.Marshal(eventMessage{Event: ev.Name(), Time: at.UTC(), Data: ev})
}

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Publisher forwards driver events to an MQTT broker, one topic per event
// name below a common prefix.
type Publisher struct {
	client mqttClient
	prefix string
	logger *slog.Logger
}

// DialMQTT connects to the broker of cfg. The client reconnects on its own
// once connected.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttPublishTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

func NewPublisher(client mqttClient, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// Run publishes events until ctx ends or the channel is closed.
func (p *Publisher) Run(ctx context.Context, events <-chan urc.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.publish(ev)
		}
	}
}

func (p *Publisher) publish(ev urc.Event) {
	payload, err := encodeEvent(ev, time.Now())
	if err != nil {
		p.logger.Warn("Failed to encode event", "event", ev.Name(), "error", err)
		return
	}
	topic := p.prefix + "/" + ev.Name()
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		p.logger.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}
