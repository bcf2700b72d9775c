package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nhirsama/oslp-adapter/src/api"
	"github.com/nhirsama/oslp-adapter/src/bus"
	"github.com/nhirsama/oslp-adapter/src/config"
	"github.com/nhirsama/oslp-adapter/src/datastore"
	"github.com/nhirsama/oslp-adapter/src/device_manager"
	"github.com/nhirsama/oslp-adapter/src/dispatcher"
	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/logger"
	"github.com/nhirsama/oslp-adapter/src/processor"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/nhirsama/oslp-adapter/src/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动适配器: 设备接入服务 + 平台请求消费",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log.Level, cfg.Log.Format)
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.Oslp.PrivateKeyPath == "" {
		return errors.New("oslp.private_key_path 未配置")
	}
	privateKey, err := protocol.LoadPrivateKey(cfg.Oslp.PrivateKeyPath)
	if err != nil {
		return err
	}

	store, err := datastore.Open(ctx, cfg.Datastore.Driver, cfg.Datastore.DSN)
	if err != nil {
		return fmt.Errorf("打开设备存储失败: %w", err)
	}
	defer store.Close()

	window, err := device_manager.NewWindow(cfg.Sequence.Maximum, cfg.Sequence.Window)
	if err != nil {
		return err
	}
	devices := device_manager.NewDeviceManager(store, window,
		device_manager.WithKeyRotation(cfg.Registration.AllowKeyRotation),
		device_manager.WithLogger(log.With().Str("component", "device_manager").Logger()),
	)

	codec, err := protocol.NewOslpCodec(protocol.Options{
		SecurityFieldLength: cfg.Oslp.SecurityFieldLength,
		DeviceIDLength:      cfg.Oslp.DeviceIDLength,
		Algorithm:           cfg.Oslp.SignatureAlgorithm,
		Provider:            cfg.Oslp.SignatureProvider,
	})
	if err != nil {
		return err
	}
	frames := protocol.NewFrameCodec(codec.HeaderLength(), cfg.Oslp.MaxFrameSize)

	deviceTransport, closeTransport, err := newDeviceTransport(ctx, cfg, frames, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	kafkaCfg := bus.Config{
		Brokers:          cfg.Kafka.Brokers,
		GroupID:          cfg.Kafka.GroupID,
		RequestTopic:     cfg.Kafka.RequestTopic,
		ResponseTopic:    cfg.Kafka.ResponseTopic,
		OsgpRequestTopic: cfg.Kafka.OsgpRequestTopic,
	}
	publisher := bus.NewPublisher(kafkaCfg)
	defer publisher.Close()

	disp := dispatcher.NewDispatcher(codec, store, devices, deviceTransport, dispatcher.Config{
		PrivateKey:    privateKey,
		Timeout:       cfg.Device.Timeout,
		QueueCapacity: cfg.Dispatcher.QueueCapacity,
	}, log)
	defer disp.Close()

	consumer := bus.NewConsumer(kafkaCfg, publisher, log)
	consumer.Register(processor.All(disp, publisher, log)...)
	defer consumer.Close()

	server := api.NewApi(codec, frames, devices, publisher, api.Config{
		PrivateKey:  privateKey,
		IdleTimeout: cfg.Server.IdleTimeout,
	}, log)
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("API 服务无法监听 %s: %w", cfg.Server.Listen, err)
	}

	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("transport", cfg.Device.Transport).
		Str("datastore", cfg.Datastore.Driver).
		Strs("brokers", cfg.Kafka.Brokers).
		Msg("适配器启动")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- server.Serve(ctx, ln) }()
	go func() { errs <- consumer.Run(ctx) }()

	// 任一组件退出都停止整个服务
	first := <-errs
	cancel()
	second := <-errs
	log.Info().Msg("适配器已关闭")
	return errors.Join(first, second)
}

func newDeviceTransport(ctx context.Context, cfg *config.Config, frames *protocol.FrameCodec, log zerolog.Logger) (inter.DeviceTransport, func(), error) {
	switch cfg.Device.Transport {
	case config.TransportMQTT:
		t := transport.NewMqttTransport(transport.MqttConfig{
			BrokerURL:   cfg.Mqtt.BrokerURL,
			ClientID:    cfg.Mqtt.ClientID,
			Username:    cfg.Mqtt.Username,
			Password:    cfg.Mqtt.Password,
			TopicPrefix: cfg.Mqtt.TopicPrefix,
			QoS:         byte(cfg.Mqtt.QoS),
		}, log)
		if err := t.Connect(ctx, time.Second, 30*time.Second); err != nil {
			return nil, nil, fmt.Errorf("连接 MQTT 失败: %w", err)
		}
		return t, t.Close, nil
	default:
		return transport.NewTcpTransport(cfg.Device.Port, frames, log), func() {}, nil
	}
}
