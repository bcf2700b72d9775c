package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
)

// MqttConfig MQTT 网关参数
type MqttConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MqttTransport 通过 MQTT 网关与设备通信
// 请求发布到 <prefix>/<device>/request，回复订阅自 <prefix>/+/response
type MqttTransport struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    zerolog.Logger

	mu      sync.Mutex
	waiting map[string]chan []byte // deviceIdentification -> 回复通道
}

// NewMqttTransport 创建传输并配置客户端，连接由 Connect 完成
func NewMqttTransport(cfg MqttConfig, log zerolog.Logger) *MqttTransport {
	t := newMqttTransport(nil, cfg.TopicPrefix, cfg.QoS, log)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		t.log.Info().Str("broker", cfg.BrokerURL).Msg("已连接 MQTT")
		if err := t.subscribe(c); err != nil {
			t.log.Error().Err(err).Msg("订阅设备回复失败")
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.log.Warn().Err(err).Msg("MQTT 连接断开")
	}

	t.client = mqtt.NewClient(opts)
	return t
}

func newMqttTransport(client mqtt.Client, prefix string, qos byte, log zerolog.Logger) *MqttTransport {
	if prefix == "" {
		prefix = "oslp"
	}
	return &MqttTransport{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		log:     log.With().Str("component", "mqtt-transport").Logger(),
		waiting: make(map[string]chan []byte),
	}
}

func (t *MqttTransport) requestTopic(device string) string {
	return t.prefix + "/" + device + "/request"
}

func (t *MqttTransport) subscribe(c mqtt.Client) error {
	topic := t.prefix + "/+/response"
	token := c.Subscribe(topic, t.qos, t.handleMessage)
	token.Wait()
	return token.Error()
}

// Connect 连接 broker，失败时指数退避重试直到 ctx 取消
func (t *MqttTransport) Connect(ctx context.Context, start, max time.Duration) error {
	backoff := start
	for {
		token := t.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		t.log.Warn().Err(token.Error()).Dur("retry", backoff).Msg("MQTT 连接失败")
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *MqttTransport) Close() {
	t.client.Disconnect(250)
}

// handleMessage 将回复交给等待中的 Send
func (t *MqttTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(strings.TrimPrefix(msg.Topic(), t.prefix+"/"), "/")
	if len(parts) != 2 || parts[1] != "response" {
		t.log.Warn().Str("topic", msg.Topic()).Msg("未知主题")
		return
	}
	device := parts[0]

	t.mu.Lock()
	ch, ok := t.waiting[device]
	if ok {
		delete(t.waiting, device)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Warn().Str("device", device).Msg("没有等待中的请求，丢弃回复")
		return
	}
	ch <- append([]byte(nil), msg.Payload()...)
}

// Send 发布请求并等待同一设备的回复
// 调度器保证同一设备同时只有一个请求在途
func (t *MqttTransport) Send(ctx context.Context, target inter.DeviceTarget, envelope []byte) ([]byte, error) {
	device := target.DeviceIdentification
	ch := make(chan []byte, 1)

	t.mu.Lock()
	if _, busy := t.waiting[device]; busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("设备 %s 已有请求在途", device)
	}
	t.waiting[device] = ch
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		if t.waiting[device] == ch {
			delete(t.waiting, device)
		}
		t.mu.Unlock()
	}

	token := t.client.Publish(t.requestTopic(device), t.qos, false, envelope)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			release()
			return nil, fmt.Errorf("发布到 %s 失败: %w", t.requestTopic(device), err)
		}
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
