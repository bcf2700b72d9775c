package cli

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/logger"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/nhirsama/oslp-adapter/src/simulator"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	adapter        string
	listen         string
	deviceID       string
	identification string
	keyPath        string
	platformKey    string
	ip             string
	interval       time.Duration
}

func simulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "运行一台模拟设备: 注册、周期上报事件并应答平台下发",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.adapter, "adapter", "127.0.0.1:12122", "适配器设备接入地址")
	f.StringVar(&opts.listen, "listen", ":12125", "接收平台下发的监听地址")
	f.StringVar(&opts.deviceID, "device-id", "SIMDEVICE001", "信封中的设备 ID")
	f.StringVar(&opts.identification, "identification", "SSLD_SIM-00-01", "设备标识")
	f.StringVar(&opts.keyPath, "key", "", "设备私钥 PEM, 为空时临时生成")
	f.StringVar(&opts.platformKey, "platform-key", "", "平台公钥 PEM")
	f.StringVar(&opts.ip, "ip", "127.0.0.1", "注册时上报的设备地址")
	f.DurationVar(&opts.interval, "interval", 30*time.Second, "事件上报间隔, 0 表示不上报")
	_ = cmd.MarkFlagRequired("platform-key")
	return cmd
}

func runSimulate(cmd *cobra.Command, opts simulateOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	ctx := cmd.Context()

	if len(opts.deviceID) != cfg.Oslp.DeviceIDLength {
		return fmt.Errorf("--device-id 长度必须为 %d 字节: %q", cfg.Oslp.DeviceIDLength, opts.deviceID)
	}
	platformKey, err := protocol.LoadPublicKey(opts.platformKey)
	if err != nil {
		return err
	}
	deviceKey, pubDER, err := loadDeviceKey(opts.keyPath)
	if err != nil {
		return err
	}

	codec, err := protocol.NewOslpCodec(protocol.Options{
		SecurityFieldLength: cfg.Oslp.SecurityFieldLength,
		DeviceIDLength:      cfg.Oslp.DeviceIDLength,
		Algorithm:           cfg.Oslp.SignatureAlgorithm,
		Provider:            cfg.Oslp.SignatureProvider,
	})
	if err != nil {
		return err
	}

	sim := simulator.New(simulator.Config{
		DeviceID:             []byte(opts.deviceID),
		DeviceIdentification: opts.identification,
		IPAddress:            opts.ip,
		HasSchedule:          true,
		PrivateKey:           deviceKey,
		PublicKeyDER:         pubDER,
		PlatformKey:          platformKey,
		Codec:                codec,
		Frames:               protocol.NewFrameCodec(codec.HeaderLength(), cfg.Oslp.MaxFrameSize),
		SequenceMaximum:      cfg.Sequence.Maximum,
		Timeout:              cfg.Device.Timeout,
	}, log)

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("模拟设备无法监听 %s: %w", opts.listen, err)
	}
	served := make(chan error, 1)
	go func() { served <- sim.Serve(ctx, ln) }()

	if err := sim.Register(ctx, opts.adapter); err != nil {
		ln.Close()
		<-served
		return fmt.Errorf("注册失败: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "设备 %s 已注册, 监听 %s\n", opts.identification, ln.Addr())

	if opts.interval <= 0 {
		return <-served
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	on := true
	for {
		select {
		case <-ctx.Done():
			return <-served
		case err := <-served:
			return err
		case <-ticker.C:
			event, desc := inter.EventLightEventsLightOn, "light on"
			if !on {
				event, desc = inter.EventLightEventsLightOff, "light off"
			}
			on = !on
			status, err := sim.SendEvent(ctx, opts.adapter, event, desc)
			if err != nil {
				log.Warn().Err(err).Msg("事件上报失败")
				continue
			}
			log.Info().Str("event", desc).Str("status", status.String()).Msg("事件已上报")
		}
	}
}

// loadDeviceKey 读取设备私钥并导出 PKIX 公钥；路径为空时生成临时密钥
func loadDeviceKey(path string) (crypto.PrivateKey, []byte, error) {
	if path == "" {
		privDER, pubDER, err := protocol.GenerateKeyPair()
		if err != nil {
			return nil, nil, err
		}
		key, err := x509.ParsePKCS8PrivateKey(privDER)
		if err != nil {
			return nil, nil, err
		}
		return key, pubDER, nil
	}
	key, err := protocol.LoadPrivateKey(path)
	if err != nil {
		return nil, nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, errors.New("设备私钥不支持签名")
	}
	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, nil, err
	}
	return key, pubDER, nil
}
