package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhirsama/oslp-adapter/src/datastore"
	"github.com/nhirsama/oslp-adapter/src/device_manager"
	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，oslp.private_key_path 对应 OSLP_OSLP_PRIVATE_KEY_PATH
const EnvPrefix = "OSLP"

const (
	TransportTCP  = "tcp"
	TransportMQTT = "mqtt"
)

type Config struct {
	Oslp         OslpConfig         `mapstructure:"oslp"`
	Sequence     SequenceConfig     `mapstructure:"sequence"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Server       ServerConfig       `mapstructure:"server"`
	Device       DeviceConfig       `mapstructure:"device"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Datastore    DatastoreConfig    `mapstructure:"datastore"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Mqtt         MqttConfig         `mapstructure:"mqtt"`
	Log          LogConfig          `mapstructure:"log"`
}

type OslpConfig struct {
	SecurityFieldLength int    `mapstructure:"security_field_length"`
	DeviceIDLength      int    `mapstructure:"device_id_length"`
	SignatureAlgorithm  string `mapstructure:"signature_algorithm"`
	SignatureProvider   string `mapstructure:"signature_provider"`
	PrivateKeyPath      string `mapstructure:"private_key_path"`
	MaxFrameSize        int    `mapstructure:"max_frame_size"`
}

type SequenceConfig struct {
	Maximum int `mapstructure:"maximum"`
	Window  int `mapstructure:"window"`
}

type RegistrationConfig struct {
	AllowKeyRotation bool `mapstructure:"allow_key_rotation"`
}

type ServerConfig struct {
	Listen      string        `mapstructure:"listen"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type DeviceConfig struct {
	Port      int           `mapstructure:"port"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Transport string        `mapstructure:"transport"`
}

type DispatcherConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity"`
}

type DatastoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	GroupID          string   `mapstructure:"group_id"`
	RequestTopic     string   `mapstructure:"request_topic"`
	ResponseTopic    string   `mapstructure:"response_topic"`
	OsgpRequestTopic string   `mapstructure:"osgp_request_topic"`
}

type MqttConfig struct {
	BrokerURL   string `mapstructure:"broker_url"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("oslp.security_field_length", inter.DefaultSecurityFieldLength)
	v.SetDefault("oslp.device_id_length", inter.DefaultDeviceIDLength)
	v.SetDefault("oslp.signature_algorithm", protocol.AlgorithmSHA256WithECDSA)
	v.SetDefault("oslp.signature_provider", protocol.ProviderGo)
	v.SetDefault("oslp.private_key_path", "")
	v.SetDefault("oslp.max_frame_size", protocol.DefaultMaxFrameSize)

	v.SetDefault("sequence.maximum", device_manager.DefaultSequenceMaximum)
	v.SetDefault("sequence.window", device_manager.DefaultSequenceWindow)

	v.SetDefault("registration.allow_key_rotation", false)

	v.SetDefault("server.listen", ":12122")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("device.port", 12125)
	v.SetDefault("device.timeout", "10s")
	v.SetDefault("device.transport", TransportTCP)

	v.SetDefault("dispatcher.queue_capacity", 100)

	v.SetDefault("datastore.driver", datastore.DriverSQLite)
	v.SetDefault("datastore.dsn", "./oslp.db")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "oslp-adapter")
	v.SetDefault("kafka.request_topic", "protocol-oslp.requests")
	v.SetDefault("kafka.response_topic", "protocol-oslp.responses")
	v.SetDefault("kafka.osgp_request_topic", "osgp-core.requests")

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "oslp-adapter")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "oslp")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load 读取配置: 默认值 < 配置文件 (可选) < 环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 收集全部问题后一次性返回
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Oslp.SecurityFieldLength > 0, "oslp.security_field_length 必须为正数: %d", c.Oslp.SecurityFieldLength)
	check(c.Oslp.DeviceIDLength > 0, "oslp.device_id_length 必须为正数: %d", c.Oslp.DeviceIDLength)
	check(c.Oslp.MaxFrameSize > 0 && c.Oslp.MaxFrameSize <= 0xFFFF, "oslp.max_frame_size 超出范围: %d", c.Oslp.MaxFrameSize)
	if _, err := protocol.NewSigner(c.Oslp.SignatureAlgorithm, c.Oslp.SignatureProvider); err != nil {
		errs = append(errs, fmt.Errorf("oslp.signature_algorithm/provider: %w", err))
	}

	if _, err := device_manager.NewWindow(c.Sequence.Maximum, c.Sequence.Window); err != nil {
		errs = append(errs, fmt.Errorf("sequence: %w", err))
	}

	check(c.Device.Timeout > 0, "device.timeout 必须为正数: %s", c.Device.Timeout)
	check(c.Device.Transport == TransportTCP || c.Device.Transport == TransportMQTT,
		"device.transport 未知: %q", c.Device.Transport)
	check(c.Datastore.Driver == datastore.DriverSQLite || c.Datastore.Driver == datastore.DriverPostgres,
		"datastore.driver 未知: %q", c.Datastore.Driver)
	check(c.Mqtt.QoS >= 0 && c.Mqtt.QoS <= 2, "mqtt.qos 超出范围: %d", c.Mqtt.QoS)

	return errors.Join(errs...)
}
