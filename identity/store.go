package identity

import "context"

// Store is the identity backend. Credential lookups are the hot path and
// must stay cheap under heavy read concurrency; writes (enrollment,
// revocation) are rare and serialized so no two mutations of the same
// device interleave.
type Store interface {
	// LookupCredential resolves credential material to its bound device.
	// Returns ErrUnknownCredential for unknown ids, ErrCredentialRevoked
	// or ErrDeviceNotActive for revoked/inactive bindings.
	LookupCredential(ctx context.Context, credentialID string) (Credential, Device, error)

	// GetDevice returns a device record by id
	GetDevice(ctx context.Context, deviceID string) (Device, error)

	// GetPolicy returns a policy by name
	GetPolicy(ctx context.Context, name string) (Policy, error)

	// Authorize checks whether the named policy permits the action on the
	// topic. Returns ErrPolicyDenied when no statement matches.
	Authorize(ctx context.Context, policyName string, action Action, topic string) error

	// PutPolicy registers a policy. Fails with ErrPolicyInUse when the
	// name is already referenced by an active device; publish a new
	// versioned name instead.
	PutPolicy(ctx context.Context, policy Policy) error

	// RegisterClaim makes a claim token available for enrollment
	RegisterClaim(ctx context.Context, claimID string) error

	// GetClaim returns a claim by id
	GetClaim(ctx context.Context, claimID string) (Claim, error)

	// Enroll atomically consumes an unclaimed claim, creates the device
	// as active, and binds the credential. Returns ErrClaimReplayed when
	// the claim was already consumed; on any failure none of the three
	// effects is visible.
	Enroll(ctx context.Context, req EnrollRequest) (Device, Credential, error)

	// Revoke marks the device and its credential revoked. Returns true
	// when state changed, false when the device was already revoked
	// (idempotent no-op).
	Revoke(ctx context.Context, deviceID string) (bool, error)

	// ListDevices returns all device records
	ListDevices(ctx context.Context) ([]Device, error)
}
