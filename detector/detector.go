// Package detector tracks a per-device state machine over incoming
// telemetry. Sustained out-of-range readings escalate a device from
// normal through elevated to incident; recovery requires a sustained
// return to range, so a single good reading never clears an incident.
package detector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
)

// State is a device's current detector state
type State string

const (
	// StateNormal indicates readings in range
	StateNormal State = "normal"
	// StateElevated indicates readings out of range, not yet sustained
	StateElevated State = "elevated"
	// StateIncident indicates a sustained anomaly; an incident fired
	StateIncident State = "incident"
)

// Incident is raised once per normal-to-incident escalation
type Incident struct {
	DeviceID  string    `json:"device_id"`
	Field     string    `json:"field"`
	Value     float64   `json:"value"`
	Topic     string    `json:"topic"`
	MessageID string    `json:"message_id"`
	RaisedAt  time.Time `json:"raised_at"`
}

// IncidentHandler receives raised incidents
type IncidentHandler func(Incident)

// Config bounds the state machine
type Config struct {
	// Field is the numeric payload field watched
	Field string `json:"field"`
	// Min and Max bound the normal range
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	// EscalateAfter consecutive out-of-range readings raise an incident
	EscalateAfter int `json:"escalate_after"`
	// RecoverAfter consecutive in-range readings clear elevated/incident
	RecoverAfter int `json:"recover_after"`
}

// DefaultConfig returns detector defaults
func DefaultConfig() Config {
	return Config{
		Field:         "value",
		Min:           -40,
		Max:           85,
		EscalateAfter: 3,
		RecoverAfter:  5,
	}
}

type deviceState struct {
	mu          sync.Mutex
	state       State
	outOfRange  int
	inRange     int
	lastArrival time.Time
}

// Engine evaluates observations against per-device state. Each device's
// transitions are serialized on its own lock; observations that arrive
// out of order by received-at are dropped rather than rewinding state.
type Engine struct {
	config  Config
	handler IncidentHandler
	logger  *slog.Logger

	mu      sync.RWMutex
	devices map[string]*deviceState
}

// NewEngine creates a detector engine. The handler may be nil.
func NewEngine(config Config, handler IncidentHandler, logger *slog.Logger) *Engine {
	if config.Field == "" {
		config.Field = "value"
	}
	if config.EscalateAfter <= 0 {
		config.EscalateAfter = 3
	}
	if config.RecoverAfter <= 0 {
		config.RecoverAfter = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:  config,
		handler: handler,
		logger:  logger,
		devices: make(map[string]*deviceState),
	}
}

// Observe feeds one envelope into the device's state machine and returns
// the resulting state. Payloads without the watched field are malformed
// for this sink; they carry nothing the detector can evaluate.
func (e *Engine) Observe(_ context.Context, env *message.Envelope) (State, error) {
	var fields map[string]any
	if err := json.Unmarshal(env.Payload(), &fields); err != nil {
		return "", errors.WrapMalformed(errors.ErrPayloadUndecodable, "Engine", "Observe", "decode payload")
	}
	raw, ok := fields[e.config.Field]
	if !ok {
		return "", errors.WrapMalformed(errors.ErrPayloadUndecodable, "Engine", "Observe", "watched field missing")
	}
	value, ok := raw.(float64)
	if !ok {
		return "", errors.WrapMalformed(errors.ErrPayloadUndecodable, "Engine", "Observe", "watched field not numeric")
	}

	ds := e.stateFor(env.DeviceID())

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if env.ReceivedAt().Before(ds.lastArrival) {
		// stale observation, already superseded
		return ds.state, nil
	}
	ds.lastArrival = env.ReceivedAt()

	inRange := value >= e.config.Min && value <= e.config.Max
	if inRange {
		ds.inRange++
		ds.outOfRange = 0
	} else {
		ds.outOfRange++
		ds.inRange = 0
	}

	switch ds.state {
	case StateNormal:
		if !inRange {
			ds.state = StateElevated
		}
	case StateElevated:
		if ds.outOfRange >= e.config.EscalateAfter {
			ds.state = StateIncident
			e.raise(env, value)
		} else if ds.inRange >= e.config.RecoverAfter {
			ds.state = StateNormal
		}
	case StateIncident:
		if ds.inRange >= e.config.RecoverAfter {
			ds.state = StateNormal
			e.logger.Info("device recovered",
				"device_id", env.DeviceID(), "field", e.config.Field)
		}
	}

	return ds.state, nil
}

// StateOf returns the current state for a device, StateNormal when the
// device has never been observed.
func (e *Engine) StateOf(deviceID string) State {
	e.mu.RLock()
	ds, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return StateNormal
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.state
}

func (e *Engine) stateFor(deviceID string) *deviceState {
	e.mu.RLock()
	ds, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if ok {
		return ds
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ds, ok := e.devices[deviceID]; ok {
		return ds
	}
	ds = &deviceState{state: StateNormal}
	e.devices[deviceID] = ds
	return ds
}

func (e *Engine) raise(env *message.Envelope, value float64) {
	incident := Incident{
		DeviceID:  env.DeviceID(),
		Field:     e.config.Field,
		Value:     value,
		Topic:     env.Topic(),
		MessageID: env.ID(),
		RaisedAt:  time.Now(),
	}
	e.logger.Warn("incident raised",
		"device_id", incident.DeviceID,
		"field", incident.Field,
		"value", incident.Value,
	)
	if e.handler != nil {
		e.handler(incident)
	}
}
