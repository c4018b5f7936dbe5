package trace

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/fsagent/internal/buildinfo"
)

// mqttConnectWait bounds the wait for the first broker connection. The
// connection keeps retrying in the background after that.
const mqttConnectWait = 10 * time.Second

// MQTTOptions configures an MQTT sink.
type MQTTOptions struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	Project     string
}

// publisher is the part of the autopaho connection manager the sink uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// MQTTSink publishes each call as JSON to <prefix>/<project>/calls and
// the latest root call, retained, to <prefix>/<project>/last_trace.
type MQTTSink struct {
	pub    publisher
	topic  string
	logger *slog.Logger
}

// NewMQTTSink connects to the broker. A broker that is down at startup
// is not an error; publishes fail until the connection comes up.
func NewMQTTSink(ctx context.Context, opts MQTTOptions, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Scheme == "" || brokerURL.Host == "" {
		return nil, fmt.Errorf("mqtt broker %q: expected scheme://host:port", opts.Broker)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: opts.Username,
		ConnectPassword: []byte(opts.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Debug("mqtt connected to broker", "broker", opts.Broker)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: buildinfo.Name + "-" + newID()[:8],
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, mqttConnectWait)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return newMQTTSink(cm, opts.TopicPrefix, opts.Project, logger), nil
}

func newMQTTSink(pub publisher, prefix, project string, logger *slog.Logger) *MQTTSink {
	if prefix == "" {
		prefix = buildinfo.Name
	}
	return &MQTTSink{
		pub:    pub,
		topic:  strings.TrimRight(prefix, "/") + "/" + project,
		logger: logger,
	}
}

// Name implements Sink.
func (m *MQTTSink) Name() string { return "mqtt" }

// CallsTopic is where each call is published.
func (m *MQTTSink) CallsTopic() string { return m.topic + "/calls" }

// LastTraceTopic holds the most recent root call.
func (m *MQTTSink) LastTraceTopic() string { return m.topic + "/last_trace" }

// Export implements Sink. It stops at the first failed publish.
func (m *MQTTSink) Export(ctx context.Context, calls []Call) error {
	for _, c := range calls {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal call %s: %w", c.ID, err)
		}
		if _, err := m.pub.Publish(ctx, &paho.Publish{
			Topic:   m.CallsTopic(),
			Payload: payload,
			QoS:     1,
		}); err != nil {
			return fmt.Errorf("publish call %s: %w", c.ID, err)
		}
		if !c.IsRoot() {
			continue
		}
		if _, err := m.pub.Publish(ctx, &paho.Publish{
			Topic:   m.LastTraceTopic(),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			return fmt.Errorf("publish last trace: %w", err)
		}
	}
	m.logger.Debug("mqtt calls published", "topic", m.CallsTopic(), "calls", len(calls))
	return nil
}

// Close implements Sink.
func (m *MQTTSink) Close(ctx context.Context) error {
	return m.pub.Disconnect(ctx)
}
