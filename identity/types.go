// Package identity holds device records, issued credentials, policy
// bindings, and provisioning claims. It is the leaf dependency of the
// pipeline: the gateway resolves credentials against it on every publish
// and the provisioning service mutates it through atomic enrollment.
package identity

import "time"

// DeviceStatus is the lifecycle state of a device record
type DeviceStatus string

const (
	// DevicePending indicates a device record created but not yet activated
	DevicePending DeviceStatus = "pending"
	// DeviceActive indicates a device authorized to publish
	DeviceActive DeviceStatus = "active"
	// DeviceRevoked indicates a permanently deauthorized device
	DeviceRevoked DeviceStatus = "revoked"
)

// CredentialStatus is the lifecycle state of issued credential material
type CredentialStatus string

const (
	// CredentialActive indicates usable credential material
	CredentialActive CredentialStatus = "active"
	// CredentialRevoked is permanent; a new credential must be issued
	CredentialRevoked CredentialStatus = "revoked"
)

// ClaimStatus is the state of a one-time provisioning claim
type ClaimStatus string

const (
	// ClaimUnclaimed indicates the claim token has never been presented
	ClaimUnclaimed ClaimStatus = "unclaimed"
	// ClaimClaimed indicates the claim was consumed; replays must fail
	ClaimClaimed ClaimStatus = "claimed"
)

// Action is a policy-controlled operation
type Action string

const (
	// ActionPublish permits publishing to matching topics
	ActionPublish Action = "publish"
	// ActionSubscribe permits subscribing to matching topics
	ActionSubscribe Action = "subscribe"
)

// Device is one registered device. The identifier is immutable; status
// transitions are pending -> active -> revoked, with revoked terminal.
type Device struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Status     DeviceStatus `json:"status"`
	PolicyName string       `json:"policy_name"`
	CreatedAt  time.Time    `json:"created_at"`
	RevokedAt  time.Time    `json:"revoked_at,omitempty"`
}

// Credential is opaque public-key material bound 1:1 to a device at
// provisioning time.
type Credential struct {
	ID        string           `json:"id"`
	DeviceID  string           `json:"device_id"`
	PublicKey []byte           `json:"public_key"`
	Status    CredentialStatus `json:"status"`
	IssuedAt  time.Time        `json:"issued_at"`
}

// Statement is one permitted action over a topic pattern
type Statement struct {
	Action       Action `json:"action"`
	TopicPattern string `json:"topic"`
}

// Policy is a named, shared set of permitted actions. Policies are
// immutable once referenced by an active device; a rule change requires a
// new versioned name rather than in-place mutation.
type Policy struct {
	Name       string      `json:"name"`
	Version    int         `json:"version"`
	Statements []Statement `json:"statements"`
}

// Claim is a single-use provisioning token. It transitions
// unclaimed -> claimed exactly once.
type Claim struct {
	ID        string      `json:"id"`
	Status    ClaimStatus `json:"status"`
	DeviceID  string      `json:"device_id,omitempty"`
	ClaimedAt time.Time   `json:"claimed_at,omitempty"`
}

// EnrollRequest is the atomic unit applied when a claim is consumed:
// device creation, credential binding, and claim transition happen
// together or not at all.
type EnrollRequest struct {
	ClaimID    string
	DeviceID   string
	DeviceType string
	PolicyName string
	PublicKey  []byte
}
