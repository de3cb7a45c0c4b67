package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/identity"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/pkg/retry"
	"github.com/c360/fleetstream/router"
	"github.com/c360/fleetstream/rule"
	"github.com/c360/fleetstream/sink/deadletter"
)

type memorySink struct {
	name string
	mu   sync.Mutex
	got  []*message.Envelope
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Deliver(_ context.Context, env *message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, env)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

type fixture struct {
	gateway    *Gateway
	store      *identity.MemoryStore
	archive    *memorySink
	credential string
	deviceID   string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	store := identity.NewMemoryStore()
	require.NoError(t, store.PutPolicy(context.Background(), identity.Policy{
		Name: "sensors-v1",
		Statements: []identity.Statement{
			{Action: identity.ActionPublish, TopicPattern: "sensor/#"},
		},
	}))
	require.NoError(t, store.RegisterClaim(context.Background(), "claim-1"))
	device, cred, err := store.Enroll(context.Background(), identity.EnrollRequest{
		ClaimID:    "claim-1",
		DeviceID:   "dev-0001",
		DeviceType: "thermostat",
		PolicyName: "sensors-v1",
		PublicKey:  []byte("pk"),
	})
	require.NoError(t, err)

	archive := &memorySink{name: "archive"}
	routerCfg := router.DefaultConfig()
	routerCfg.Retry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond}
	r := router.NewRouter(routerCfg, deadletter.NewStore(16, nil), nil, nil)
	require.NoError(t, r.RegisterSink(archive))

	table, err := rule.Compile([]rule.Definition{
		{
			ID:           "hot",
			TopicPattern: "sensor/+/temp",
			Predicate:    "value > 100",
			Sinks:        []string{"archive"},
			Enabled:      true,
		},
		{
			ID:           "all-temp",
			TopicPattern: "sensor/+/temp",
			Sinks:        []string{"archive"},
			Enabled:      true,
		},
	}, r.SinkNames())
	require.NoError(t, err)
	engine := rule.NewEngine(table, nil, nil)

	g := NewGateway(cfg, store, engine, r, nil, nil)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Stop(time.Second) })

	return &fixture{
		gateway:    g,
		store:      store,
		archive:    archive,
		credential: cred.ID,
		deviceID:   device.ID,
	}
}

func TestAccept_RoutesToMatchedSinks(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	outcome, err := f.gateway.Accept(context.Background(), f.credential,
		"sensor/dev-0001/temp", []byte(`{"value":21}`))
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.NotEmpty(t, outcome.MessageID)
	assert.Equal(t, []string{"archive"}, outcome.Sinks)

	assert.Eventually(t, func() bool { return f.archive.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAccept_PredicateUnionsOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// both rules match, same sink; the message is delivered once
	outcome, err := f.gateway.Accept(context.Background(), f.credential,
		"sensor/dev-0001/temp", []byte(`{"value":150}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"archive"}, outcome.Sinks)

	assert.Eventually(t, func() bool { return f.archive.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.archive.count())
}

func TestAccept_UnknownCredential(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.gateway.Accept(context.Background(), "ghost",
		"sensor/dev-0001/temp", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}

func TestAccept_RevokedCredential(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.store.Revoke(context.Background(), f.deviceID)
	require.NoError(t, err)

	_, err = f.gateway.Accept(context.Background(), f.credential,
		"sensor/dev-0001/temp", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}

func TestAccept_PolicyForbidsTopic(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.gateway.Accept(context.Background(), f.credential,
		"admin/dev-0001/cmd", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsForbidden(err))
}

func TestAccept_ZeroMatchesIsAcceptedDrop(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	outcome, err := f.gateway.Accept(context.Background(), f.credential,
		"sensor/dev-0001/humidity", []byte(`{"value":40}`))
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Empty(t, outcome.Sinks)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.archive.count())
}

func TestAccept_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerDevice = 1
	cfg.BurstPerDevice = 2
	f := newFixture(t, cfg)

	var limited bool
	for i := 0; i < 5; i++ {
		_, err := f.gateway.Accept(context.Background(), f.credential,
			"sensor/dev-0001/temp", []byte(`{"value":21}`))
		if err != nil {
			assert.True(t, errors.IsTransient(err))
			assert.ErrorIs(t, err, errors.ErrRateLimited)
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst of 5 should exceed limit 1/s burst 2")
}

func TestAccept_NonJSONPayloadStillRoutes(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// no attributes, so the predicate rule can't match but the
	// predicate-free rule still does
	outcome, err := f.gateway.Accept(context.Background(), f.credential,
		"sensor/dev-0001/temp", []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Equal(t, []string{"archive"}, outcome.Sinks)
}

func TestExtractAttributes(t *testing.T) {
	attrs := extractAttributes([]byte(`{"value":21.5,"unit":"c","ok":true,"nested":{"x":1},"list":[1]}`))
	assert.Equal(t, 21.5, attrs["value"])
	assert.Equal(t, "c", attrs["unit"])
	assert.Equal(t, true, attrs["ok"])
	_, hasNested := attrs["nested"]
	assert.False(t, hasNested)
	assert.Nil(t, extractAttributes([]byte("binary")))
}
