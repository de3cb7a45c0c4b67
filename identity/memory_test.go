package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
)

func seedPolicy(t *testing.T, store *MemoryStore) {
	t.Helper()
	err := store.PutPolicy(context.Background(), Policy{
		Name:    "sensor-default-v1",
		Version: 1,
		Statements: []Statement{
			{Action: ActionPublish, TopicPattern: "sensor/+/temp"},
			{Action: ActionPublish, TopicPattern: "device/#"},
			{Action: ActionSubscribe, TopicPattern: "cmd/+"},
		},
	})
	require.NoError(t, err)
}

func enrollDevice(t *testing.T, store *MemoryStore, claimID, deviceID string) (Device, Credential) {
	t.Helper()
	require.NoError(t, store.RegisterClaim(context.Background(), claimID))
	device, cred, err := store.Enroll(context.Background(), EnrollRequest{
		ClaimID:    claimID,
		DeviceID:   deviceID,
		DeviceType: "thermostat",
		PolicyName: "sensor-default-v1",
		PublicKey:  []byte("pk-material"),
	})
	require.NoError(t, err)
	return device, cred
}

func TestEnroll_HappyPath(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)

	device, cred := enrollDevice(t, store, "claim-1", "dev-0001")

	assert.Equal(t, DeviceActive, device.Status)
	assert.Equal(t, "sensor-default-v1", device.PolicyName)
	assert.Equal(t, CredentialActive, cred.Status)
	assert.Equal(t, "dev-0001", cred.DeviceID)

	claim, err := store.GetClaim(context.Background(), "claim-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimClaimed, claim.Status)
	assert.Equal(t, "dev-0001", claim.DeviceID)

	gotCred, gotDev, err := store.LookupCredential(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, gotCred.ID)
	assert.Equal(t, device.ID, gotDev.ID)
}

func TestEnroll_ClaimReplay(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)
	enrollDevice(t, store, "claim-1", "dev-0001")

	_, _, err := store.Enroll(context.Background(), EnrollRequest{
		ClaimID:    "claim-1",
		DeviceID:   "dev-0002",
		PolicyName: "sensor-default-v1",
	})
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyClaimed(err))
	assert.ErrorIs(t, err, errors.ErrClaimReplayed)

	// replay must leave no partial state behind
	_, err = store.GetDevice(context.Background(), "dev-0002")
	assert.ErrorIs(t, err, errors.ErrDeviceNotFound)
}

func TestEnroll_UnknownClaim(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)

	_, _, err := store.Enroll(context.Background(), EnrollRequest{
		ClaimID:    "never-registered",
		DeviceID:   "dev-0001",
		PolicyName: "sensor-default-v1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrClaimNotFound)
}

func TestEnroll_UnknownPolicy(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.RegisterClaim(context.Background(), "claim-1"))

	_, _, err := store.Enroll(context.Background(), EnrollRequest{
		ClaimID:    "claim-1",
		DeviceID:   "dev-0001",
		PolicyName: "no-such-policy",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPolicyNotFound)

	// the failed enrollment must not consume the claim
	claim, err := store.GetClaim(context.Background(), "claim-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimUnclaimed, claim.Status)
}

func TestLookupCredential_Unknown(t *testing.T) {
	store := NewMemoryStore()

	_, _, err := store.LookupCredential(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
	assert.ErrorIs(t, err, errors.ErrUnknownCredential)
}

func TestRevoke_BlocksLookup(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)
	_, cred := enrollDevice(t, store, "claim-1", "dev-0001")

	changed, err := store.Revoke(context.Background(), "dev-0001")
	require.NoError(t, err)
	assert.True(t, changed)

	_, _, err = store.LookupCredential(context.Background(), cred.ID)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
	assert.ErrorIs(t, err, errors.ErrCredentialRevoked)
}

func TestRevoke_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)
	enrollDevice(t, store, "claim-1", "dev-0001")

	changed, err := store.Revoke(context.Background(), "dev-0001")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Revoke(context.Background(), "dev-0001")
	require.NoError(t, err)
	assert.False(t, changed)

	device, err := store.GetDevice(context.Background(), "dev-0001")
	require.NoError(t, err)
	assert.Equal(t, DeviceRevoked, device.Status)
}

func TestRevoke_UnknownDevice(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Revoke(context.Background(), "ghost")
	assert.ErrorIs(t, err, errors.ErrDeviceNotFound)
}

func TestAuthorize(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)

	tests := []struct {
		name    string
		action  Action
		topic   string
		allowed bool
	}{
		{"publish exact wildcard level", ActionPublish, "sensor/d42/temp", true},
		{"publish multi wildcard", ActionPublish, "device/d42/battery/level", true},
		{"publish outside patterns", ActionPublish, "sensor/d42/humidity", false},
		{"subscribe allowed", ActionSubscribe, "cmd/d42", true},
		{"subscribe wrong depth", ActionSubscribe, "cmd/d42/extra", false},
		{"action mismatch", ActionSubscribe, "sensor/d42/temp", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Authorize(context.Background(), "sensor-default-v1", tt.action, tt.topic)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsForbidden(err))
			}
		})
	}
}

func TestAuthorize_UnknownPolicy(t *testing.T) {
	store := NewMemoryStore()
	err := store.Authorize(context.Background(), "missing", ActionPublish, "a/b")
	require.Error(t, err)
	assert.True(t, errors.IsForbidden(err))
}

func TestPutPolicy_RejectedWhileInUse(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)
	enrollDevice(t, store, "claim-1", "dev-0001")

	err := store.PutPolicy(context.Background(), Policy{
		Name:       "sensor-default-v1",
		Version:    2,
		Statements: []Statement{{Action: ActionPublish, TopicPattern: "#"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPolicyInUse)

	// a new versioned name is the supported path
	err = store.PutPolicy(context.Background(), Policy{
		Name:       "sensor-default-v2",
		Version:    2,
		Statements: []Statement{{Action: ActionPublish, TopicPattern: "#"}},
	})
	assert.NoError(t, err)
}

func TestPutPolicy_ReplaceableAfterRevoke(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store)
	enrollDevice(t, store, "claim-1", "dev-0001")

	_, err := store.Revoke(context.Background(), "dev-0001")
	require.NoError(t, err)

	err = store.PutPolicy(context.Background(), Policy{
		Name:       "sensor-default-v1",
		Version:    2,
		Statements: []Statement{{Action: ActionPublish, TopicPattern: "#"}},
	})
	assert.NoError(t, err)
}

func TestPutPolicy_BadPattern(t *testing.T) {
	store := NewMemoryStore()
	err := store.PutPolicy(context.Background(), Policy{
		Name:       "bad",
		Statements: []Statement{{Action: ActionPublish, TopicPattern: "a/#/b"}},
	})
	assert.Error(t, err)
}

func TestRegisterClaim_Duplicate(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.RegisterClaim(context.Background(), "claim-1"))
	err := store.RegisterClaim(context.Background(), "claim-1")
	assert.Error(t, err)
}

type recordingMirror struct {
	devices     []Device
	credentials []Credential
	claims      []Claim
	policies    []Policy
}

func (m *recordingMirror) SaveDevice(_ context.Context, d Device) error {
	m.devices = append(m.devices, d)
	return nil
}

func (m *recordingMirror) SaveCredential(_ context.Context, c Credential) error {
	m.credentials = append(m.credentials, c)
	return nil
}

func (m *recordingMirror) SaveClaim(_ context.Context, c Claim) error {
	m.claims = append(m.claims, c)
	return nil
}

func (m *recordingMirror) SavePolicy(_ context.Context, p Policy) error {
	m.policies = append(m.policies, p)
	return nil
}

func TestMirror_ReceivesCommits(t *testing.T) {
	mirror := &recordingMirror{}
	store := NewMemoryStore(WithMirror(mirror))
	seedPolicy(t, store)
	enrollDevice(t, store, "claim-1", "dev-0001")

	require.Len(t, mirror.policies, 1)
	require.Len(t, mirror.devices, 1)
	require.Len(t, mirror.credentials, 1)
	// registration plus the claimed transition
	require.Len(t, mirror.claims, 2)
	assert.Equal(t, ClaimClaimed, mirror.claims[1].Status)
}

func TestRestore_WarmStart(t *testing.T) {
	mirror := &recordingMirror{}
	source := NewMemoryStore(WithMirror(mirror))
	seedPolicy(t, source)
	_, cred := enrollDevice(t, source, "claim-1", "dev-0001")

	restored := NewMemoryStore()
	err := restored.Restore(mirror.devices, mirror.credentials,
		[]Claim{mirror.claims[len(mirror.claims)-1]}, mirror.policies)
	require.NoError(t, err)

	_, device, err := restored.LookupCredential(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-0001", device.ID)

	// the consumed claim stays consumed after restart
	_, _, err = restored.Enroll(context.Background(), EnrollRequest{
		ClaimID:    "claim-1",
		DeviceID:   "dev-0002",
		PolicyName: "sensor-default-v1",
	})
	assert.ErrorIs(t, err, errors.ErrClaimReplayed)
}
