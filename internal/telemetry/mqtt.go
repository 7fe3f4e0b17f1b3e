// Package telemetry bridges the controller to an MQTT broker: status and
// log lines are published, and commands are received on a topic.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/leveler/internal/config"
	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/logic/leveling"
)

const (
	connectTimeout = 5 * time.Second
	disconnectMs   = 250
)

// ErrDisabled is returned by Connect when no broker is configured.
var ErrDisabled = errors.New("mqtt disabled")

// Topics are the MQTT topics under one prefix.
type Topics struct {
	Status string
	Log    string
	Cmd    string
	Reply  string
}

// TopicsFor derives the topic set from prefix ("leveler" -> "leveler/status", ...).
func TopicsFor(prefix string) Topics {
	p := strings.TrimRight(prefix, "/")
	if p == "" {
		p = "leveler"
	}
	return Topics{
		Status: p + "/status",
		Log:    p + "/log",
		Cmd:    p + "/cmd",
		Reply:  p + "/reply",
	}
}

// Bridge publishes controller output and forwards inbound commands.
type Bridge struct {
	client   mqtt.Client
	topics   Topics
	requests chan<- leveling.Request
}

// ClientOptions builds paho options from cfg. The command subscription is
// restored on every (re)connect.
func ClientOptions(cfg config.MQTTConfig, onConnect mqtt.OnConnectHandler) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			debug.Warn("MQTT connection lost: %v", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// Connect dials the configured broker and subscribes to the command topic.
func Connect(cfg config.MQTTConfig, requests chan<- leveling.Request) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, ErrDisabled
	}
	b := New(nil, cfg.TopicPrefix, requests)
	opts := ClientOptions(cfg, func(mqtt.Client) {
		if err := b.Start(); err != nil {
			debug.Error(fmt.Errorf("mqtt subscribe %s: %w", b.topics.Cmd, err))
		}
	})
	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	debug.Info("MQTT connected to %s (prefix %s)", cfg.Broker, cfg.TopicPrefix)
	return b, nil
}

// New wraps client. Start subscribes once the client is connected.
func New(client mqtt.Client, prefix string, requests chan<- leveling.Request) *Bridge {
	return &Bridge{client: client, topics: TopicsFor(prefix), requests: requests}
}

// Start subscribes to the command topic on the wrapped client.
func (b *Bridge) Start() error {
	token := b.client.Subscribe(b.topics.Cmd, 0, func(_ mqtt.Client, msg mqtt.Message) {
		b.handle(msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// handle parses one command payload and queues it. Malformed payloads are dropped.
func (b *Bridge) handle(payload []byte) {
	cmd, err := leveling.ParseJSON(payload)
	if err != nil {
		debug.Warn("mqtt: dropped command: %v", err)
		return
	}
	req := leveling.Request{
		Command: cmd,
		Source:  "mqtt",
		Done: func(rep leveling.Reply) {
			frame, _ := json.Marshal(struct {
				Type string `json:"t"`
				Cmd  string `json:"cmd"`
				OK   bool   `json:"ok"`
				Text string `json:"text"`
			}{"reply", cmd.Cmd, rep.OK, rep.Text})
			b.publish(b.topics.Reply, false, frame)
		},
	}
	select {
	case b.requests <- req:
	default:
		debug.Warn("mqtt: controller busy, dropped %q", cmd.Cmd)
	}
}

// publish sends without waiting; completed tokens are checked for errors.
func (b *Bridge) publish(topic string, retained bool, payload []byte) error {
	token := b.client.Publish(topic, 0, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

// PublishStatus sends s as a retained frame on the status topic.
func (b *Bridge) PublishStatus(s leveling.Status) error {
	if err := b.publish(b.topics.Status, true, s.JSON()); err != nil {
		return fmt.Errorf("mqtt publish status: %w", err)
	}
	return nil
}

// Write implements io.Writer; each non-empty line is published as a log frame.
func (b *Bridge) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			_ = b.publish(b.topics.Log, false, leveling.LogFrame(msg))
		}
	}
	return len(p), nil
}

// Close unsubscribes and disconnects.
func (b *Bridge) Close() error {
	if b.client == nil || !b.client.IsConnected() {
		return nil
	}
	token := b.client.Unsubscribe(b.topics.Cmd)
	token.WaitTimeout(time.Second)
	b.client.Disconnect(disconnectMs)
	return token.Error()
}
