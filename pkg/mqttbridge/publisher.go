// Package mqttbridge is the optional best-effort fan-out publisher for local
// dashboards and automation. It is deliberately outside the durability
// guarantee: publish failures are logged and counted, never re-queued.
package mqttbridge

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trailsense/edge-gateway/pkg/config"
)

const publishTimeout = 5 * time.Second

// Publisher fans events out to an MQTT broker.
type Publisher interface {
	Publish(event string, payload any)
	Counters() (published, failed int64)
	Close()
}

type pahoPublisher struct {
	client    mqtt.Client
	topicRoot string

	published atomic.Int64
	failed    atomic.Int64
}

// NewPublisher connects to the configured broker. Reconnects use doubling
// backoff between reconnect_min and reconnect_max, resetting after a
// successful connect; an unreachable broker at startup is not fatal, the
// client keeps retrying in the background.
func NewPublisher(cfg config.MQTTSettings) Publisher {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectMax).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.ReconnectMin).
		SetConnectTimeout(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", cfg.BrokerURL)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.BrokerURL, "error", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		slog.Warn("initial mqtt connect failed, retrying in background",
			"broker", cfg.BrokerURL, "error", token.Error())
	}

	return &pahoPublisher{
		client:    client,
		topicRoot: cfg.TopicRoot,
	}
}

// Publish sends one event to <topic_root>/<event>. Best effort only.
func (p *pahoPublisher) Publish(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.failed.Add(1)
		slog.Error("mqtt payload encoding failed", "event", event, "error", err)
		return
	}

	topic := p.topicRoot + "/" + event
	token := p.client.Publish(topic, 0, false, raw)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		slog.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		slog.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	p.published.Add(1)
}

func (p *pahoPublisher) Counters() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(500)
}

// nopPublisher is used when MQTT fan-out is disabled.
type nopPublisher struct{}

// NewNopPublisher returns a publisher that drops everything.
func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(string, any) {}

func (nopPublisher) Counters() (int64, int64) { return 0, 0 }

func (nopPublisher) Close() {}
