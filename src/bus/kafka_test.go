package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader 按顺序返回预置消息，取完后阻塞到 ctx 取消
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{msgs: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	if len(r.msgs) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type recordingProcessor struct {
	messageType string
	got         []inter.RequestMessage
	err         error
}

func (p *recordingProcessor) MessageType() string { return p.messageType }

func (p *recordingProcessor) Process(_ context.Context, msg inter.RequestMessage) error {
	p.got = append(p.got, msg)
	return p.err
}

type recordingResponses struct {
	mu    sync.Mutex
	resps []inter.ResponseMessage
}

func (r *recordingResponses) PublishResponse(_ context.Context, msg inter.ResponseMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resps = append(r.resps, msg)
	return nil
}

func testMetadata() inter.MessageMetadata {
	return inter.MessageMetadata{
		CorrelationUID:             "test-org|||SSLD_000-00-01|||20260101000000000",
		OrganisationIdentification: "test-org",
		DeviceIdentification:       "SSLD_000-00-01",
		Domain:                     "PUBLIC_LIGHTING",
		DomainVersion:              "1.0",
		MessageType:                inter.MessageTypeSetLight,
		IPAddress:                  "10.0.0.7",
		RetryCount:                 3,
		IsScheduled:                true,
	}
}

func TestHeaders(t *testing.T) {
	meta := testMetadata()
	assert.Equal(t, meta, DecodeHeaders(EncodeHeaders(meta)))

	// 无法解析的数值字段取零值，未知头忽略
	got := DecodeHeaders([]kafka.Header{
		{Key: HeaderRetryCount, Value: []byte("x")},
		{Key: HeaderIsScheduled, Value: []byte("maybe")},
		{Key: "Other", Value: []byte("v")},
		{Key: HeaderMessageType, Value: []byte(inter.MessageTypeGetStatus)},
	})
	assert.Equal(t, inter.MessageMetadata{MessageType: inter.MessageTypeGetStatus}, got)
}

func TestPublishResponse(t *testing.T) {
	responses, requests := &fakeWriter{}, &fakeWriter{}
	p := &Publisher{responses: responses, requests: requests}

	msg := inter.ResponseMessage{
		MessageMetadata: testMetadata(),
		Result:          inter.ResultNotOK,
		ErrorMessage:    "unable to connect",
		Data:            map[string]int{"index": 1},
	}
	require.NoError(t, p.PublishResponse(context.Background(), msg))

	require.Len(t, responses.msgs, 1)
	assert.Empty(t, requests.msgs)
	m := responses.msgs[0]
	assert.Equal(t, "SSLD_000-00-01", string(m.Key))
	assert.JSONEq(t, `{"index":1}`, string(m.Value))
	assert.Equal(t, testMetadata(), DecodeHeaders(m.Headers))
	assert.Equal(t, "NOT_OK", headerValue(m.Headers, HeaderResult))
	assert.Equal(t, "unable to connect", headerValue(m.Headers, HeaderErrorMessage))

	// 没有数据时 value 为空
	msg.Data = nil
	msg.ErrorMessage = ""
	require.NoError(t, p.PublishResponse(context.Background(), msg))
	assert.Nil(t, responses.msgs[1].Value)
	assert.Empty(t, headerValue(responses.msgs[1].Headers, HeaderErrorMessage))
}

func TestPublishRequest(t *testing.T) {
	responses, requests := &fakeWriter{}, &fakeWriter{}
	p := &Publisher{responses: responses, requests: requests}

	meta := inter.MessageMetadata{
		CorrelationUID:             "c-1",
		OrganisationIdentification: "no-organisation",
		DeviceIdentification:       "SSLD_000-00-01",
		MessageType:                inter.MessageTypeRegisterDevice,
	}
	data := json.RawMessage(`{"ipAddress":"10.0.0.7"}`)
	require.NoError(t, p.PublishRequest(context.Background(), inter.RequestMessage{MessageMetadata: meta, Data: data}))

	require.Len(t, requests.msgs, 1)
	assert.Equal(t, []byte(data), requests.msgs[0].Value)
	assert.Equal(t, meta.MessageType, DecodeHeaders(requests.msgs[0].Headers).MessageType)

	requests.err = errors.New("broker down")
	err := p.PublishRequest(context.Background(), inter.RequestMessage{MessageMetadata: meta})
	assert.ErrorContains(t, err, "broker down")
}

func TestConsumerRun(t *testing.T) {
	setLight := testMetadata()
	unknown := testMetadata()
	unknown.MessageType = "SET_TRANSITION"
	failing := testMetadata()
	failing.MessageType = inter.MessageTypeGetStatus

	reader := newFakeReader(
		kafka.Message{Offset: 1, Headers: EncodeHeaders(setLight), Value: []byte(`{"lightValues":[]}`)},
		kafka.Message{Offset: 2, Headers: EncodeHeaders(unknown)},
		kafka.Message{Offset: 3, Headers: EncodeHeaders(failing)},
	)
	responses := &recordingResponses{}
	c := newConsumer(reader, responses, zerolog.Nop())

	sl := &recordingProcessor{messageType: inter.MessageTypeSetLight}
	gs := &recordingProcessor{messageType: inter.MessageTypeGetStatus, err: errors.New("bad data")}
	c.Register(sl, gs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not consumed")
	}
	cancel()
	require.NoError(t, <-done)

	require.Len(t, sl.got, 1)
	assert.Equal(t, setLight, sl.got[0].MessageMetadata)
	assert.JSONEq(t, `{"lightValues":[]}`, string(sl.got[0].Data))
	assert.Len(t, gs.got, 1)

	// 处理失败或未知类型的消息同样提交，避免阻塞分区
	assert.Len(t, reader.committed, 3)

	require.Len(t, responses.resps, 1)
	r := responses.resps[0]
	assert.Equal(t, inter.ResultNotOK, r.Result)
	assert.Equal(t, "SET_TRANSITION", r.MessageType)
	assert.Equal(t, unknown.CorrelationUID, r.CorrelationUID)
	assert.Contains(t, r.ErrorMessage, "SET_TRANSITION")
}
