package report

// mqtt connection and publishing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
)

// Publisher sends one retained message
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Topics names the MQTT topics of a receiver
type Topics struct {
	Prefix string
	Name   string
}

func (t Topics) prefix() string {
	return fmt.Sprintf("%s/receivers/%s", t.Prefix, t.Name)
}

func (t Topics) Status() string {
	return t.prefix() + "/status"
}

func (t Topics) Report(runID string) string {
	return fmt.Sprintf("%s/runs/%s", t.prefix(), runID)
}

func (t Topics) Latest() string {
	return t.prefix() + "/runs/latest"
}

// Publish sends r to the run topic and to the latest topic.
func (r *Report) Publish(ctx context.Context, p Publisher, topics Topics) error {
	js, err := json.Marshal(r)
	if err != nil {
		return err
	}
	for _, topic := range []string{topics.Report(r.RunID), topics.Latest()} {
		if err := p.Publish(ctx, topic, js); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

type StatusMessage struct {
	Online    bool
	RunID     string `json:",omitempty"`
	Version   version.Info
	UpdatedMQ time.Time
}

func StatusMessageJSON(online bool, runID string) ([]byte, error) {
	sm := &StatusMessage{
		Online:    online,
		RunID:     runID,
		Version:   version.VersionInfo(),
		UpdatedMQ: time.Now().Truncate(time.Second),
	}
	return json.Marshal(sm)
}

// MQTTConfig for DialMQTT
type MQTTConfig struct {
	Broker   string // mqtt://host:port/
	Username string
	Password string
	ClientID string
	Topics   Topics
	RunID    string
}

// MQTT is a Publisher backed by an autopaho connection manager. It
// keeps a retained online status with an offline will.
type MQTT struct {
	cm     *autopaho.ConnectionManager
	topics Topics
	runID  string
}

// DialMQTT connects to the broker and waits for the first connection.
// ctx only bounds the wait; the connection lives until Close.
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	log := logger.FromContext(ctx)

	broker, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt broker: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = cfg.Topics.Name
	}

	offlineMessage, err := StatusMessageJSON(false, cfg.RunID)
	if err != nil {
		return nil, fmt.Errorf("status message: %w", err)
	}

	statusTopic := cfg.Topics.Status()
	connCtx := context.WithoutCancel(ctx)

	publishOnlineMessage := func(cm *autopaho.ConnectionManager) {
		msg, err := StatusMessageJSON(true, cfg.RunID)
		if err != nil {
			log.Warn("mqtt status error", "err", err)
			return
		}
		log.Debug("sending mqtt status message", "topic", statusTopic)
		_, err = cm.Publish(connCtx, &paho.Publish{
			Topic:   statusTopic,
			Payload: msg,
			QoS:     1,
			Retain:  true,
			Properties: &paho.PublishProperties{
				MessageExpiry: paho.Uint32(86400),
			},
		})
		if err != nil {
			log.Warn("mqtt status publish error", "err", err)
		}
	}

	mqttcfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		KeepAlive:                     30,

		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),

		WillMessage: &paho.WillMessage{
			Retain:  true,
			Topic:   statusTopic,
			Payload: offlineMessage,
		},
		WillProperties: &paho.WillProperties{
			WillDelayInterval: paho.Uint32(30),
			MessageExpiry:     paho.Uint32(86400),
		},

		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info("mqtt connection up", "broker", broker.Host)
			publishOnlineMessage(cm)
		},
		OnConnectError: func(err error) {
			log.Error("mqtt connect", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnClientError: func(err error) {
				log.Error("mqtt client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Error("mqtt server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					log.Error("mqtt server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}

	errlog := logger.NewStdLog("mqtt error", true, log)
	mqttcfg.Errors = errlog
	mqttcfg.PahoErrors = errlog

	cm, err := autopaho.NewConnection(connCtx, mqttcfg)
	if err != nil {
		return nil, err
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		_ = cm.Disconnect(connCtx)
		return nil, fmt.Errorf("mqtt await connection: %w", err)
	}

	return &MQTT{cm: cm, topics: cfg.Topics, runID: cfg.RunID}, nil
}

func (m *MQTT) Topics() Topics {
	return m.topics
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	return err
}

// Close publishes the offline status and disconnects.
func (m *MQTT) Close(ctx context.Context) error {
	if msg, err := StatusMessageJSON(false, m.runID); err == nil {
		_ = m.Publish(ctx, m.topics.Status(), msg)
	}
	return m.cm.Disconnect(ctx)
}
