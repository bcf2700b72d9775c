package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaMinBytes = 1
	kafkaMaxBytes = 10_000_000 // 10MB
)

// Config Kafka 连接与主题
type Config struct {
	Brokers []string
	GroupID string
	// RequestTopic 平台下发给本适配器的请求
	RequestTopic string
	// ResponseTopic 本适配器回复平台的结果
	ResponseTopic string
	// OsgpRequestTopic 设备主动上报转成的平台请求
	OsgpRequestTopic string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter 同一设备的消息按 key 落到同一分区，保持顺序
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 5 * time.Millisecond,
		Compression:  kafka.Snappy,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewReader 手动提交 offset，处理完成后才 Commit
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           cfg.RequestTopic,
		MinBytes:        kafkaMinBytes,
		MaxBytes:        kafkaMaxBytes,
		MaxWait:         500 * time.Millisecond,
		ReadLagInterval: -1,
	})
}

// =============================================================================
// Publisher
// =============================================================================

// Publisher 实现 inter.ResponsePublisher 与 inter.RequestPublisher
type Publisher struct {
	responses messageWriter
	requests  messageWriter
}

func NewPublisher(cfg Config) *Publisher {
	return &Publisher{
		responses: NewWriter(cfg.Brokers, cfg.ResponseTopic),
		requests:  NewWriter(cfg.Brokers, cfg.OsgpRequestTopic),
	}
}

func (p *Publisher) PublishResponse(ctx context.Context, msg inter.ResponseMessage) error {
	value, err := marshalData(msg.Data)
	if err != nil {
		return err
	}
	headers := EncodeHeaders(msg.MessageMetadata)
	headers = append(headers, kafka.Header{Key: HeaderResult, Value: []byte(msg.Result)})
	if msg.ErrorMessage != "" {
		headers = append(headers, kafka.Header{Key: HeaderErrorMessage, Value: []byte(msg.ErrorMessage)})
	}

	err = p.responses.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.DeviceIdentification),
		Value:   value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("发布平台回复失败: %w", err)
	}
	return nil
}

func (p *Publisher) PublishRequest(ctx context.Context, msg inter.RequestMessage) error {
	err := p.requests.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.DeviceIdentification),
		Value:   msg.Data,
		Headers: EncodeHeaders(msg.MessageMetadata),
	})
	if err != nil {
		return fmt.Errorf("发布平台请求失败: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return errors.Join(p.responses.Close(), p.requests.Close())
}

func marshalData(data any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化回复数据失败: %w", err)
	}
	return b, nil
}

// =============================================================================
// Consumer
// =============================================================================

// Consumer 从请求主题读取平台请求并交给对应的处理器
type Consumer struct {
	reader     messageReader
	publisher  inter.ResponsePublisher
	processors map[string]inter.RequestProcessor
	log        zerolog.Logger
}

func NewConsumer(cfg Config, publisher inter.ResponsePublisher, log zerolog.Logger) *Consumer {
	return newConsumer(NewReader(cfg), publisher, log)
}

func newConsumer(reader messageReader, publisher inter.ResponsePublisher, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		publisher:  publisher,
		processors: make(map[string]inter.RequestProcessor),
		log:        log.With().Str("component", "bus").Logger(),
	}
}

// Register 按消息类型注册处理器，后注册的覆盖先注册的
func (c *Consumer) Register(processors ...inter.RequestProcessor) {
	for _, p := range processors {
		c.processors[p.MessageType()] = p
	}
}

// Run 持续消费直到 ctx 取消
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Msg("读取平台请求失败")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.handle(ctx, m)

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("提交 offset 失败")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	msg := inter.RequestMessage{
		MessageMetadata: DecodeHeaders(m.Headers),
		Data:            json.RawMessage(m.Value),
	}
	log := c.log.With().
		Str("correlationUid", msg.CorrelationUID).
		Str("device", msg.DeviceIdentification).
		Str("messageType", msg.MessageType).
		Logger()

	p, ok := c.processors[msg.MessageType]
	if !ok {
		log.Warn().Msg("未知的平台消息类型")
		resp := inter.NewResponseMessage(inter.NewDeviceRequest(msg.MessageMetadata, nil), inter.ResultNotOK)
		resp.ErrorMessage = fmt.Sprintf("不支持的消息类型: %q", msg.MessageType)
		if err := c.publisher.PublishResponse(ctx, resp); err != nil {
			log.Error().Err(err).Msg("发布平台回复失败")
		}
		return
	}

	log.Debug().Msg("处理平台请求")
	if err := p.Process(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("平台请求处理失败")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
