package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/AlverezYari/captureframe/internal/config"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Connect establishes the broker connection with automatic reconnect.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("control: mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("control: mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

func publishJSON(client mqtt.Client, topic string, qos byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

// SummaryPublisher forwards completed take summaries to
// <summary topic>/<camera id>.
type SummaryPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    *slog.Logger
}

func NewSummaryPublisher(cfg config.MQTTConfig, client mqtt.Client, logger *slog.Logger) *SummaryPublisher {
	return &SummaryPublisher{client: client, topic: cfg.Topics.Summary, qos: cfg.QoS, log: logger}
}

// Publish matches node.SummaryFunc. It runs on whichever goroutine finished
// the take, so failures are logged rather than returned.
func (p *SummaryPublisher) Publish(cameraID string, doc recorder.Document) {
	topic := p.topic + "/" + cameraID
	if err := publishJSON(p.client, topic, p.qos, doc); err != nil {
		p.log.Error("control: summary publish failed", "camera", cameraID, "error", err)
		return
	}
	p.log.Info("control: summary published", "camera", cameraID, "topic", topic)
}
