package identity

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/natsclient"
)

// KV key prefixes. NATS KV keys use dots as separators.
const (
	kvDevicePrefix     = "device."
	kvCredentialPrefix = "credential."
	kvClaimPrefix      = "claim."
	kvPolicyPrefix     = "policy."
)

// KVMirror persists identity records to a NATS KV bucket so a restarted
// node can warm-start instead of losing enrollments. Writes happen after
// the in-memory commit; the bucket is a replica, not the source of truth.
type KVMirror struct {
	kv *natsclient.KVStore
}

// NewKVMirror wraps a KV store as an identity mirror
func NewKVMirror(kv *natsclient.KVStore) *KVMirror {
	return &KVMirror{kv: kv}
}

var _ Mirror = (*KVMirror)(nil)

// SaveDevice persists a device record
func (m *KVMirror) SaveDevice(ctx context.Context, device Device) error {
	return m.put(ctx, kvDevicePrefix+device.ID, device)
}

// SaveCredential persists a credential record
func (m *KVMirror) SaveCredential(ctx context.Context, credential Credential) error {
	return m.put(ctx, kvCredentialPrefix+credential.ID, credential)
}

// SaveClaim persists a claim record
func (m *KVMirror) SaveClaim(ctx context.Context, claim Claim) error {
	return m.put(ctx, kvClaimPrefix+claim.ID, claim)
}

// SavePolicy persists a policy record
func (m *KVMirror) SavePolicy(ctx context.Context, policy Policy) error {
	return m.put(ctx, kvPolicyPrefix+policy.Name, policy)
}

func (m *KVMirror) put(ctx context.Context, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "KVMirror", "put", "marshal record")
	}
	if _, err := m.kv.Put(ctx, key, data); err != nil {
		return errors.Wrap(err, "KVMirror", "put", "kv write")
	}
	return nil
}

// Load reads every persisted record back out of the bucket for a warm
// start. Individual undecodable entries fail the load; a corrupt mirror
// should be rebuilt rather than partially trusted.
func (m *KVMirror) Load(ctx context.Context) ([]Device, []Credential, []Claim, []Policy, error) {
	keys, err := m.kv.Keys(ctx)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "KVMirror", "Load", "list keys")
	}

	var (
		devices     []Device
		credentials []Credential
		claims      []Claim
		policies    []Policy
	)

	for _, key := range keys {
		entry, err := m.kv.Get(ctx, key)
		if err != nil {
			return nil, nil, nil, nil, errors.Wrap(err, "KVMirror", "Load", "read key")
		}

		switch {
		case strings.HasPrefix(key, kvDevicePrefix):
			var device Device
			if err := json.Unmarshal(entry.Value, &device); err != nil {
				return nil, nil, nil, nil, errors.Wrap(err, "KVMirror", "Load", "decode device")
			}
			devices = append(devices, device)
		case strings.HasPrefix(key, kvCredentialPrefix):
			var credential Credential
			if err := json.Unmarshal(entry.Value, &credential); err != nil {
				return nil, nil, nil, nil, errors.Wrap(err, "KVMirror", "Load", "decode credential")
			}
			credentials = append(credentials, credential)
		case strings.HasPrefix(key, kvClaimPrefix):
			var claim Claim
			if err := json.Unmarshal(entry.Value, &claim); err != nil {
				return nil, nil, nil, nil, errors.Wrap(err, "KVMirror", "Load", "decode claim")
			}
			claims = append(claims, claim)
		case strings.HasPrefix(key, kvPolicyPrefix):
			var policy Policy
			if err := json.Unmarshal(entry.Value, &policy); err != nil {
				return nil, nil, nil, nil, errors.Wrap(err, "KVMirror", "Load", "decode policy")
			}
			policies = append(policies, policy)
		}
	}

	return devices, credentials, claims, policies, nil
}
