package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
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

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestProducerSendMessageSync(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, ProducerConfig{Logger: zerolog.Nop(), WorkerNum: 1})
	defer p.Close()

	err := p.SendMessageSync(context.Background(), "points.completions", "acc-1", Event{Type: EventCompletionFinalized})
	require.NoError(t, err)

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "points.completions", msgs[0].Topic)
	assert.Equal(t, "acc-1", string(msgs[0].Key))

	var env envelope
	require.NoError(t, json.Unmarshal(msgs[0].Value, &env))
	assert.Equal(t, EventCompletionFinalized, env.Type)
}

func TestProducerSyncErrorIsKafkaError(t *testing.T) {
	w := &fakeWriter{err: stderrors.New("broker down")}
	p := newProducer(w, ProducerConfig{Logger: zerolog.Nop(), WorkerNum: 1})
	defer p.Close()

	err := p.SendMessageSync(context.Background(), "t", "k", map[string]string{"a": "b"})
	assert.Equal(t, errors.ErrKafkaError, errors.GetCode(err))
}

func TestProducerCloseDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, ProducerConfig{Logger: zerolog.Nop(), WorkerNum: 2})

	for i := 0; i < 10; i++ {
		require.NoError(t, p.SendMessage("points.pool-updates", "lucky", PoolUpdateEvent{TierID: "lucky", Points: int64(i)}))
	}
	require.NoError(t, p.Close())
	assert.Len(t, w.written(), 10)
	assert.True(t, w.closed)

	err := p.SendMessage("points.pool-updates", "lucky", PoolUpdateEvent{})
	assert.Equal(t, errors.ErrKafkaError, errors.GetCode(err), "sending after close fails instead of panicking")
}

func TestNewProducerWithoutBrokersIsNil(t *testing.T) {
	assert.Nil(t, NewProducer(ProducerConfig{}))
}

type recordingHandler struct {
	updates []jackpot.Update
}

func (h *recordingHandler) HandlePeerUpdate(u jackpot.Update) {
	h.updates = append(h.updates, u)
}

func encodeEvent(t *testing.T, ev Event) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestConsumerForwardsPeerPoolUpdates(t *testing.T) {
	h := &recordingHandler{}
	c := newConsumer(nil, ConsumerConfig{InstanceID: "self", Logger: zerolog.Nop()}, h)
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, c.handleMessage(encodeEvent(t, Event{
		Type:       EventPoolUpdated,
		InstanceID: "peer",
		Payload:    PoolUpdateEvent{TierID: "major", Points: 42, UpdatedAt: at},
	})))
	require.NoError(t, c.handleMessage(encodeEvent(t, Event{
		Type:       EventPoolUpdated,
		InstanceID: "self",
		Payload:    PoolUpdateEvent{TierID: "major", Points: 7},
	})))
	require.NoError(t, c.handleMessage(encodeEvent(t, Event{
		Type:       EventJackpotWon,
		InstanceID: "peer",
		Payload:    WinPayload{TierID: "major"},
	})))

	require.Len(t, h.updates, 1)
	assert.Equal(t, jackpot.Update{TierID: "major", Points: 42, Timestamp: at, Origin: "peer"}, h.updates[0])
}

func TestConsumerRejectsMalformedMessage(t *testing.T) {
	c := newConsumer(nil, ConsumerConfig{Logger: zerolog.Nop()}, &recordingHandler{})
	assert.Error(t, c.handleMessage(kafka.Message{Value: []byte("not json")}))
}
