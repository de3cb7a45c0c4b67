// Package provision implements the device enrollment lifecycle: one-time
// claim tokens are exchanged for an active device record with bound
// credentials, and revocation permanently deauthorizes a device.
package provision

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/identity"
	"github.com/c360/fleetstream/metric"
)

// ClaimRequest is a device presenting its claim token for enrollment
type ClaimRequest struct {
	ClaimID    string `json:"claim_id"`
	DeviceType string `json:"device_type"`
	PublicKey  []byte `json:"public_key"`
}

// Enrollment is the successful claim result handed back to the device
type Enrollment struct {
	Device     identity.Device     `json:"device"`
	Credential identity.Credential `json:"credential"`
}

// Config holds provisioning policy assignment
type Config struct {
	// DefaultPolicy is bound to devices whose type has no explicit mapping
	DefaultPolicy string `json:"default_policy"`
	// PolicyByType maps device types to policy names
	PolicyByType map[string]string `json:"policy_by_type"`
}

// Validate checks the provisioning configuration
func (c Config) Validate() error {
	if c.DefaultPolicy == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "default policy required")
	}
	return nil
}

// Service processes claims against the identity store
type Service struct {
	store   identity.Store
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewService creates a provisioning service
func NewService(store identity.Store, config Config, logger *slog.Logger, registry *metric.Registry) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		config: config,
		logger: logger,
	}
	if registry != nil {
		s.metrics = registry.CoreMetrics()
	}
	return s, nil
}

// RegisterClaim issues a new claim token for later enrollment
func (s *Service) RegisterClaim(ctx context.Context, claimID string) error {
	if claimID == "" {
		claimID = uuid.New().String()
	}
	if err := s.store.RegisterClaim(ctx, claimID); err != nil {
		return errors.Wrap(err, "Service", "RegisterClaim", "store register")
	}
	s.logger.Info("claim registered", "claim_id", claimID)
	return nil
}

// Claim consumes a claim token and enrolls the device. A replayed claim
// fails without side effects; the caller must treat the original
// enrollment as the only valid one.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (Enrollment, error) {
	if req.ClaimID == "" {
		return Enrollment{}, errors.WrapMalformed(errors.ErrMissingConfig,
			"Service", "Claim", "claim id required")
	}
	if len(req.PublicKey) == 0 {
		return Enrollment{}, errors.WrapMalformed(errors.ErrMissingConfig,
			"Service", "Claim", "public key required")
	}

	policyName := s.config.DefaultPolicy
	if name, ok := s.config.PolicyByType[req.DeviceType]; ok {
		policyName = name
	}

	device, credential, err := s.store.Enroll(ctx, identity.EnrollRequest{
		ClaimID:    req.ClaimID,
		DeviceID:   uuid.New().String(),
		DeviceType: req.DeviceType,
		PolicyName: policyName,
		PublicKey:  req.PublicKey,
	})
	if err != nil {
		if errors.IsAlreadyClaimed(err) {
			if s.metrics != nil {
				s.metrics.ClaimsReplayed.Inc()
			}
			s.logger.Warn("claim replay rejected", "claim_id", req.ClaimID)
		}
		return Enrollment{}, errors.Wrap(err, "Service", "Claim", "enroll")
	}

	if s.metrics != nil {
		s.metrics.DevicesProvisioned.Inc()
	}
	s.logger.Info("device enrolled",
		"claim_id", req.ClaimID,
		"device_id", device.ID,
		"device_type", device.Type,
		"policy", device.PolicyName,
	)

	return Enrollment{Device: device, Credential: credential}, nil
}

// Revoke deauthorizes a device. Repeated revocations of the same device
// succeed without effect.
func (s *Service) Revoke(ctx context.Context, deviceID string) error {
	changed, err := s.store.Revoke(ctx, deviceID)
	if err != nil {
		return errors.Wrap(err, "Service", "Revoke", "store revoke")
	}
	if !changed {
		s.logger.Debug("device already revoked", "device_id", deviceID)
		return nil
	}

	if s.metrics != nil {
		s.metrics.DevicesRevoked.Inc()
	}
	s.logger.Info("device revoked", "device_id", deviceID)
	return nil
}

// ListDevices returns all device records
func (s *Service) ListDevices(ctx context.Context) ([]identity.Device, error) {
	return s.store.ListDevices(ctx)
}
