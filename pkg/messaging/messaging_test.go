package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powershare/energymatch/pkg/circuit"
	"github.com/powershare/energymatch/pkg/outbox"
	"github.com/powershare/energymatch/shared/events"
)

func tradeEvent(t *testing.T, n byte) events.Event {
	t.Helper()
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte{n})
	e, err := events.New(id, events.TradeExecuted, id, events.AggregateTrade,
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), events.TradeExecutedData{TradeID: id}, events.Metadata{Source: "test"})
	require.NoError(t, err)
	return *e
}

var errDown = errors.New("down")

func TestFanout(t *testing.T) {
	ctx := context.Background()
	evs := []events.Event{tradeEvent(t, 1)}

	t.Run("should deliver to every sink", func(t *testing.T) {
		a, b := &Recorder{}, &Recorder{}
		f := Fanout{{Name: "a", Sink: a}, {Name: "b", Sink: b}}

		require.NoError(t, f.Publish(ctx, evs))
		assert.Len(t, a.Events(), 1)
		assert.Len(t, b.Events(), 1)
	})

	t.Run("should join failures and still deliver to healthy sinks", func(t *testing.T) {
		ok := &Recorder{}
		broken := SinkFunc(func(context.Context, []events.Event) error { return errDown })
		f := Fanout{{Name: "ok", Sink: ok}, {Name: "broken", Sink: broken}}

		err := f.Publish(ctx, evs)
		assert.ErrorIs(t, err, errDown)
		assert.Contains(t, err.Error(), "broken")
		assert.Len(t, ok.Events(), 1)
	})
}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(1)
	require.NoError(t, s.Publish(context.Background(), []events.Event{tradeEvent(t, 1)}))
	got := <-s.C
	assert.Equal(t, events.TradeExecuted, got.Type)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Publish(context.Background(), []events.Event{tradeEvent(t, 2)}))
	assert.ErrorIs(t, s.Publish(ctx, []events.Event{tradeEvent(t, 3)}), context.Canceled)
}

type fakeJetStream struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: "ENERGY", Sequence: uint64(len(f.msgs))}, nil
}

func TestNATSSink(t *testing.T) {
	t.Run("should set subject and dedup header", func(t *testing.T) {
		js := &fakeJetStream{}
		s := NewNATSSink(js, "energy")
		e := tradeEvent(t, 1)

		require.NoError(t, s.Publish(context.Background(), []events.Event{e}))
		require.Len(t, js.msgs, 1)
		assert.Equal(t, "energy.trade.executed", js.msgs[0].Subject)
		assert.Equal(t, e.ID.String(), js.msgs[0].Header.Get(nats.MsgIdHdr))
		assert.Contains(t, string(js.msgs[0].Data), e.ID.String())
	})

	t.Run("should surface publish errors", func(t *testing.T) {
		s := NewNATSSink(&fakeJetStream{err: errDown}, "")
		assert.ErrorIs(t, s.Publish(context.Background(), []events.Event{tradeEvent(t, 1)}), errDown)
	})
}

type fakeKafka struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	w := &fakeKafka{}
	s := &KafkaSink{writer: w}
	e := tradeEvent(t, 1)

	require.NoError(t, s.Publish(context.Background(), []events.Event{e}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, e.AggregateID.String(), string(w.msgs[0].Key))
	assert.Equal(t, "event-id", w.msgs[0].Headers[0].Key)
	assert.Equal(t, e.ID.String(), string(w.msgs[0].Headers[0].Value))
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	got      []events.Event
}

func (f *flakySink) Publish(_ context.Context, evs []events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errDown
	}
	f.got = append(f.got, evs...)
	return nil
}

func TestRelay(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) *outbox.Outbox {
		ob, err := outbox.Open("outbox", outbox.WithFS(vfs.NewMem()))
		require.NoError(t, err)
		t.Cleanup(func() { ob.Close() })
		return ob
	}

	t.Run("should deliver and ack", func(t *testing.T) {
		ob := open(t)
		require.NoError(t, ob.Publish(ctx, []events.Event{tradeEvent(t, 1), tradeEvent(t, 2)}))

		sink := &flakySink{}
		r := NewRelay(ob, []Named{{Name: "nats", Sink: sink}}, RelayConfig{BatchSize: 1}, nil)

		n, err := r.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, sink.got, 2)

		left, err := ob.Len()
		require.NoError(t, err)
		assert.Zero(t, left)
	})

	t.Run("should keep events after a failure and retry", func(t *testing.T) {
		ob := open(t)
		require.NoError(t, ob.Publish(ctx, []events.Event{tradeEvent(t, 1)}))

		sink := &flakySink{failures: 1}
		r := NewRelay(ob, []Named{{Name: "kafka", Sink: sink}}, RelayConfig{
			Breaker: circuit.Config{MaxFailures: 5, Timeout: time.Minute},
		}, nil)

		_, err := r.Flush(ctx)
		assert.ErrorIs(t, err, errDown)

		pending, err := ob.Pending(0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint32(1), pending[0].Attempts)

		n, err := r.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, sink.got, 1)
		assert.Equal(t, tradeEvent(t, 1).ID, sink.got[0].ID)
	})

	t.Run("should stop calling a sink once its breaker opens", func(t *testing.T) {
		ob := open(t)
		require.NoError(t, ob.Publish(ctx, []events.Event{tradeEvent(t, 1)}))

		sink := &flakySink{failures: 10}
		r := NewRelay(ob, []Named{{Name: "redis", Sink: sink}}, RelayConfig{
			Breaker: circuit.Config{MaxFailures: 2, Timeout: time.Hour},
		}, nil)

		for i := 0; i < 3; i++ {
			_, _ = r.Flush(ctx)
		}
		_, err := r.Flush(ctx)
		assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
		assert.Equal(t, 8, sink.failures)
		assert.Equal(t, circuit.StateOpen, r.BreakerStates()["redis"])
	})
}
