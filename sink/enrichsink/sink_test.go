package enrichsink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/enrich"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/sink"
)

type fakeForwarder struct {
	got    []*message.Envelope
	target string
	status sink.DeliveryStatus
}

func (f *fakeForwarder) DispatchDirect(_ context.Context, env *message.Envelope, sinkName string) sink.DeliveryRecord {
	f.got = append(f.got, env)
	f.target = sinkName
	status := f.status
	if status == "" {
		status = sink.StatusDelivered
	}
	return sink.DeliveryRecord{Sink: sinkName, MessageID: env.ID(), Status: status}
}

func newSink(t *testing.T, fwd *fakeForwarder) *Sink {
	t.Helper()
	worker, err := enrich.NewWorker(enrich.Config{
		Thresholds: []enrich.Threshold{{Field: "value", Min: -40, Max: 85}},
	}, nil)
	require.NoError(t, err)
	return New("enrich", worker, fwd, "stream", nil)
}

func TestDeliver_ForwardsDerivedEnvelope(t *testing.T) {
	fwd := &fakeForwarder{}
	s := newSink(t, fwd)

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`{"value":21}`))
	require.NoError(t, s.Deliver(context.Background(), env))

	require.Len(t, fwd.got, 1)
	forwarded := fwd.got[0]
	assert.Equal(t, "stream", fwd.target)
	assert.True(t, forwarded.Enriched())
	assert.NotEqual(t, env.ID(), forwarded.ID())
	assert.Equal(t, env.DeviceID(), forwarded.DeviceID())
	assert.Equal(t, env.PartitionKey(), forwarded.PartitionKey())
}

func TestDeliver_MalformedNotForwarded(t *testing.T) {
	fwd := &fakeForwarder{}
	s := newSink(t, fwd)

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`not json`))
	err := s.Deliver(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.IsMalformed(err))
	assert.Empty(t, fwd.got)
}

func TestDeliver_ForwardFailureIsTerminal(t *testing.T) {
	fwd := &fakeForwarder{status: sink.StatusDeadLettered}
	s := newSink(t, fwd)

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`{"value":21}`))
	err := s.Deliver(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.IsTerminal(err))
}
