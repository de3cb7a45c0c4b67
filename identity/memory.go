package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/rule"
)

// Mirror receives identity mutations after they commit, for write-behind
// persistence. Mirror failures are logged, never propagated: the in-memory
// state is authoritative and a persistence hiccup must not fail an
// enrollment that already happened.
type Mirror interface {
	SaveDevice(ctx context.Context, device Device) error
	SaveCredential(ctx context.Context, credential Credential) error
	SaveClaim(ctx context.Context, claim Claim) error
	SavePolicy(ctx context.Context, policy Policy) error
}

// compiledPolicy caches statement topic patterns so Authorize stays cheap
// on the hot path.
type compiledPolicy struct {
	policy   Policy
	patterns []compiledStatement
}

type compiledStatement struct {
	action  Action
	pattern rule.Pattern
}

// MemoryStore is the in-memory identity backend. Reads take the read lock
// only; all mutations go through the single write lock, which serializes
// claim and revoke operations on the same device by construction.
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[string]Device
	credentials map[string]Credential
	credByDev   map[string]string
	policies    map[string]compiledPolicy
	claims      map[string]Claim

	mirror Mirror
	logger *slog.Logger
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMirror attaches a write-behind persistence mirror
func WithMirror(m Mirror) MemoryOption {
	return func(s *MemoryStore) {
		s.mirror = m
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// NewMemoryStore creates an empty identity store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		devices:     make(map[string]Device),
		credentials: make(map[string]Credential),
		credByDev:   make(map[string]string),
		policies:    make(map[string]compiledPolicy),
		claims:      make(map[string]Claim),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

// LookupCredential resolves a credential id to its device on the hot path
func (s *MemoryStore) LookupCredential(_ context.Context, credentialID string) (Credential, Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[credentialID]
	if !ok {
		return Credential{}, Device{}, errors.WrapUnauthorized(errors.ErrUnknownCredential,
			"MemoryStore", "LookupCredential", "credential lookup")
	}
	if cred.Status != CredentialActive {
		return Credential{}, Device{}, errors.WrapUnauthorized(errors.ErrCredentialRevoked,
			"MemoryStore", "LookupCredential", "credential status check")
	}

	device, ok := s.devices[cred.DeviceID]
	if !ok || device.Status != DeviceActive {
		return Credential{}, Device{}, errors.WrapUnauthorized(errors.ErrDeviceNotActive,
			"MemoryStore", "LookupCredential", "device status check")
	}

	return cred, device, nil
}

// GetDevice returns a device record by id
func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return Device{}, errors.ErrDeviceNotFound
	}
	return device, nil
}

// GetPolicy returns a policy by name
func (s *MemoryStore) GetPolicy(_ context.Context, name string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.policies[name]
	if !ok {
		return Policy{}, errors.ErrPolicyNotFound
	}
	return cp.policy, nil
}

// Authorize checks whether the named policy permits action on topic
func (s *MemoryStore) Authorize(_ context.Context, policyName string, action Action, topic string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.policies[policyName]
	if !ok {
		return errors.WrapForbidden(errors.ErrPolicyNotFound,
			"MemoryStore", "Authorize", "policy lookup")
	}

	for _, stmt := range cp.patterns {
		if stmt.action == action && stmt.pattern.Match(topic) {
			return nil
		}
	}

	return errors.WrapForbidden(errors.ErrPolicyDenied,
		"MemoryStore", "Authorize", "statement match")
}

// PutPolicy registers a policy; names referenced by an active device are
// immutable and must be superseded by a new versioned name.
func (s *MemoryStore) PutPolicy(ctx context.Context, policy Policy) error {
	if policy.Name == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "MemoryStore", "PutPolicy", "policy name required")
	}

	compiled := compiledPolicy{policy: policy}
	for _, stmt := range policy.Statements {
		pattern, err := rule.CompilePattern(stmt.TopicPattern)
		if err != nil {
			return errors.Wrap(err, "MemoryStore", "PutPolicy", "statement pattern")
		}
		compiled.patterns = append(compiled.patterns, compiledStatement{
			action:  stmt.Action,
			pattern: pattern,
		})
	}

	s.mu.Lock()
	if _, exists := s.policies[policy.Name]; exists && s.policyReferencedLocked(policy.Name) {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrPolicyInUse, "MemoryStore", "PutPolicy", "immutability check")
	}
	s.policies[policy.Name] = compiled
	s.mu.Unlock()

	s.mirrorPolicy(ctx, policy)
	return nil
}

// policyReferencedLocked reports whether any active device references the
// policy name. Caller holds the write lock.
func (s *MemoryStore) policyReferencedLocked(name string) bool {
	for _, device := range s.devices {
		if device.PolicyName == name && device.Status == DeviceActive {
			return true
		}
	}
	return false
}

// RegisterClaim makes a claim token available for enrollment
func (s *MemoryStore) RegisterClaim(ctx context.Context, claimID string) error {
	if claimID == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "MemoryStore", "RegisterClaim", "claim id required")
	}

	s.mu.Lock()
	if _, exists := s.claims[claimID]; exists {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrClaimReplayed, "MemoryStore", "RegisterClaim", "uniqueness check")
	}
	claim := Claim{ID: claimID, Status: ClaimUnclaimed}
	s.claims[claimID] = claim
	s.mu.Unlock()

	s.mirrorClaim(ctx, claim)
	return nil
}

// GetClaim returns a claim by id
func (s *MemoryStore) GetClaim(_ context.Context, claimID string) (Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim, ok := s.claims[claimID]
	if !ok {
		return Claim{}, errors.ErrClaimNotFound
	}
	return claim, nil
}

// Enroll atomically applies the claim transition, device creation, and
// credential binding. The single write lock makes the three writes one
// indivisible unit: a failed precondition leaves no partial state.
func (s *MemoryStore) Enroll(ctx context.Context, req EnrollRequest) (Device, Credential, error) {
	s.mu.Lock()

	claim, ok := s.claims[req.ClaimID]
	if !ok {
		s.mu.Unlock()
		return Device{}, Credential{}, errors.WrapAlreadyClaimed(errors.ErrClaimNotFound,
			"MemoryStore", "Enroll", "claim lookup")
	}
	if claim.Status != ClaimUnclaimed {
		s.mu.Unlock()
		return Device{}, Credential{}, errors.WrapAlreadyClaimed(errors.ErrClaimReplayed,
			"MemoryStore", "Enroll", "idempotency check")
	}
	if _, ok := s.policies[req.PolicyName]; !ok {
		s.mu.Unlock()
		return Device{}, Credential{}, errors.Wrap(errors.ErrPolicyNotFound,
			"MemoryStore", "Enroll", "policy binding")
	}
	if _, exists := s.devices[req.DeviceID]; exists {
		s.mu.Unlock()
		return Device{}, Credential{}, errors.Wrap(errors.ErrInvalidConfig,
			"MemoryStore", "Enroll", "device id collision")
	}

	now := time.Now()
	device := Device{
		ID:         req.DeviceID,
		Type:       req.DeviceType,
		Status:     DeviceActive,
		PolicyName: req.PolicyName,
		CreatedAt:  now,
	}
	credential := Credential{
		ID:        credentialID(req.ClaimID, req.DeviceID),
		DeviceID:  req.DeviceID,
		PublicKey: append([]byte(nil), req.PublicKey...),
		Status:    CredentialActive,
		IssuedAt:  now,
	}
	claim.Status = ClaimClaimed
	claim.DeviceID = req.DeviceID
	claim.ClaimedAt = now

	s.devices[device.ID] = device
	s.credentials[credential.ID] = credential
	s.credByDev[device.ID] = credential.ID
	s.claims[claim.ID] = claim
	s.mu.Unlock()

	s.mirrorDevice(ctx, device)
	s.mirrorCredential(ctx, credential)
	s.mirrorClaim(ctx, claim)

	return device, credential, nil
}

// Revoke marks a device and its credential revoked. Idempotent: revoking
// an already-revoked device reports no change and no error.
func (s *MemoryStore) Revoke(ctx context.Context, deviceID string) (bool, error) {
	s.mu.Lock()

	device, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return false, errors.ErrDeviceNotFound
	}
	if device.Status == DeviceRevoked {
		s.mu.Unlock()
		return false, nil
	}

	device.Status = DeviceRevoked
	device.RevokedAt = time.Now()
	s.devices[deviceID] = device

	var credential Credential
	if credID, ok := s.credByDev[deviceID]; ok {
		credential = s.credentials[credID]
		credential.Status = CredentialRevoked
		s.credentials[credID] = credential
	}
	s.mu.Unlock()

	s.mirrorDevice(ctx, device)
	if credential.ID != "" {
		s.mirrorCredential(ctx, credential)
	}

	return true, nil
}

// ListDevices returns all device records
func (s *MemoryStore) ListDevices(_ context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]Device, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	return devices, nil
}

// Restore loads previously persisted records, used for warm start from a
// mirror snapshot. Not safe to call after the store is in service.
func (s *MemoryStore) Restore(devices []Device, credentials []Credential, claims []Claim, policies []Policy) error {
	for _, policy := range policies {
		if err := s.PutPolicy(context.Background(), policy); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range devices {
		s.devices[device.ID] = device
	}
	for _, credential := range credentials {
		s.credentials[credential.ID] = credential
		s.credByDev[credential.DeviceID] = credential.ID
	}
	for _, claim := range claims {
		s.claims[claim.ID] = claim
	}
	return nil
}

func credentialID(claimID, deviceID string) string {
	short := deviceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "crd-" + claimID + "-" + short
}

func (s *MemoryStore) mirrorDevice(ctx context.Context, device Device) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SaveDevice(ctx, device); err != nil {
		s.logger.Warn("identity mirror write failed", "kind", "device", "id", device.ID, "error", err)
	}
}

func (s *MemoryStore) mirrorCredential(ctx context.Context, credential Credential) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SaveCredential(ctx, credential); err != nil {
		s.logger.Warn("identity mirror write failed", "kind", "credential", "id", credential.ID, "error", err)
	}
}

func (s *MemoryStore) mirrorClaim(ctx context.Context, claim Claim) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SaveClaim(ctx, claim); err != nil {
		s.logger.Warn("identity mirror write failed", "kind", "claim", "id", claim.ID, "error", err)
	}
}

func (s *MemoryStore) mirrorPolicy(ctx context.Context, policy Policy) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SavePolicy(ctx, policy); err != nil {
		s.logger.Warn("identity mirror write failed", "kind", "policy", "name", policy.Name, "error", err)
	}
}
