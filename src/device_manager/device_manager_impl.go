package device_manager

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
)

// RandomSource 生成平台挑战随机数
type RandomSource func() (int, error)

var randomLimit = big.NewInt(65536)

// SecureRandom 使用 crypto/rand 生成 [0, 65535] 内的随机数
func SecureRandom() (int, error) {
	n, err := rand.Int(rand.Reader, randomLimit)
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

type DeviceManager struct {
	store  inter.DeviceStore
	window Window
	random RandomSource
	log    zerolog.Logger

	// 已注册设备再次注册时是否允许更换公钥
	allowKeyRotation bool
}

type Option func(*DeviceManager)

func WithRandomSource(fn RandomSource) Option {
	return func(d *DeviceManager) { d.random = fn }
}

func WithKeyRotation(allow bool) Option {
	return func(d *DeviceManager) { d.allowKeyRotation = allow }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *DeviceManager) { d.log = l }
}

func NewDeviceManager(store inter.DeviceStore, window Window, opts ...Option) *DeviceManager {
	d := &DeviceManager{
		store:  store,
		window: window,
		random: SecureRandom,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DeviceManager) SequenceWindow() int {
	return d.window.Size
}

func (d *DeviceManager) NextSequenceNumber(current int) int {
	return d.window.Next(current)
}

// Window 返回序列号窗口配置
func (d *DeviceManager) Window() Window {
	return d.window
}

func (d *DeviceManager) GetDevice(ctx context.Context, deviceUID string) (inter.Device, error) {
	return d.store.GetDeviceByUID(ctx, deviceUID)
}

// --- 注册握手 ---

func (d *DeviceManager) Register(ctx context.Context, data inter.RegisterDeviceData) (inter.Challenge, error) {
	if data.DeviceUID == "" || len(data.PublicKey) == 0 {
		return inter.Challenge{}, errors.New("注册数据缺少设备 UID 或公钥")
	}

	if err := d.ensureDevice(ctx, data); err != nil {
		return inter.Challenge{}, err
	}

	randomPlatform, err := d.random()
	if err != nil {
		return inter.Challenge{}, fmt.Errorf("生成平台随机数失败: %w", err)
	}

	err = d.store.UpdateDeviceAtomic(ctx, data.DeviceUID, func(dev *inter.Device) error {
		if len(dev.PublicKey) > 0 && !bytes.Equal(dev.PublicKey, data.PublicKey) {
			if !d.allowKeyRotation {
				return inter.ErrPublicKeyMismatch
			}
			d.log.Warn().Str("device", data.DeviceIdentification).Msg("设备更换了公钥")
		}

		dev.DeviceIdentification = data.DeviceIdentification
		dev.IPAddress = data.IPAddress
		dev.DeviceType = data.DeviceType
		dev.HasSchedule = data.HasSchedule
		dev.PublicKey = append([]byte(nil), data.PublicKey...)

		rd, rp, seq := data.RandomDevice, randomPlatform, data.SequenceNumber
		dev.RandomDevice = &rd
		dev.RandomPlatform = &rp
		dev.SequenceNumber = &seq
		return nil
	})
	if err != nil {
		return inter.Challenge{}, err
	}

	d.log.Info().
		Str("device", data.DeviceIdentification).
		Str("uid", data.DeviceUID).
		Int("sequence", data.SequenceNumber).
		Msg("已下发注册挑战")

	return inter.Challenge{RandomDevice: data.RandomDevice, RandomPlatform: randomPlatform}, nil
}

// ensureDevice 设备不存在时先建立记录
func (d *DeviceManager) ensureDevice(ctx context.Context, data inter.RegisterDeviceData) error {
	_, err := d.store.GetDeviceByUID(ctx, data.DeviceUID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, inter.ErrDeviceNotFound) {
		return err
	}

	err = d.store.CreateDevice(ctx, inter.Device{
		DeviceUID:            data.DeviceUID,
		DeviceIdentification: data.DeviceIdentification,
		IPAddress:            data.IPAddress,
		DeviceType:           data.DeviceType,
		HasSchedule:          data.HasSchedule,
	})
	if err != nil {
		// 并发注册时另一方可能已经建好记录
		if _, getErr := d.store.GetDeviceByUID(ctx, data.DeviceUID); getErr == nil {
			return nil
		}
		return fmt.Errorf("创建设备失败: %w", err)
	}
	d.log.Info().Str("device", data.DeviceIdentification).Msg("新设备")
	return nil
}

func (d *DeviceManager) Confirm(ctx context.Context, deviceUID string, sequenceNumber int, randomDevice, randomPlatform *int) error {
	err := d.store.UpdateDeviceAtomic(ctx, deviceUID, func(dev *inter.Device) error {
		if !challengeMatches(dev.RandomDevice, randomDevice) || !challengeMatches(dev.RandomPlatform, randomPlatform) {
			return inter.ErrChallengeMismatch
		}
		if err := d.window.Check(dev.SequenceNumber, &sequenceNumber); err != nil {
			return err
		}
		seq := sequenceNumber
		dev.SequenceNumber = &seq
		dev.RandomDevice = nil
		dev.RandomPlatform = nil
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Str("uid", deviceUID).Msg("注册确认失败")
		return err
	}
	d.log.Info().Str("uid", deviceUID).Int("sequence", sequenceNumber).Msg("设备注册完成")
	return nil
}

func (d *DeviceManager) checkActive(dev *inter.Device, sequenceNumber int) error {
	if dev.SequenceNumber == nil {
		return inter.ErrMissingSequenceState
	}
	if state := dev.RegistrationState(); state != inter.Active {
		return fmt.Errorf("%w: %s", inter.ErrDeviceNotActive, state)
	}
	return d.window.Check(dev.SequenceNumber, &sequenceNumber)
}

// challengeMatches 两侧都必须非空且相等，nil 不视为通配
func challengeMatches(stored, supplied *int) bool {
	return stored != nil && supplied != nil && *stored == *supplied
}

// --- 序列号 ---

func (d *DeviceManager) CheckSequenceNumber(ctx context.Context, deviceUID string, sequenceNumber int) error {
	dev, err := d.store.GetDeviceByUID(ctx, deviceUID)
	if err != nil {
		return err
	}
	return d.checkActive(&dev, sequenceNumber)
}

// UpdateSequenceNumber 仅 Active 设备的序列号可以前进
func (d *DeviceManager) UpdateSequenceNumber(ctx context.Context, deviceUID string, sequenceNumber int) error {
	return d.store.UpdateDeviceAtomic(ctx, deviceUID, func(dev *inter.Device) error {
		if err := d.checkActive(dev, sequenceNumber); err != nil {
			return err
		}
		seq := sequenceNumber
		dev.SequenceNumber = &seq
		return nil
	})
}
