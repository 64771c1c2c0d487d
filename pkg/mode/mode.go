package mode

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

// Operation is a file operation checked against the element's mode.
type Operation string

const (
	OpCreate   Operation = "create"
	OpRead     Operation = "read"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpMetadata Operation = "metadata"
)

// permissions is the full mode/operation table. Missing entries are denied.
var permissions = map[types.Mode]map[Operation]bool{
	types.ModeEdit: {
		OpCreate: true, OpRead: true, OpUpdate: true, OpDelete: true, OpMetadata: true,
	},
	types.ModeRW: {
		OpCreate: true, OpRead: true, OpUpdate: true, OpDelete: false, OpMetadata: true,
	},
	types.ModeRO: {
		OpCreate: false, OpRead: true, OpUpdate: false, OpDelete: false, OpMetadata: true,
	},
	types.ModeArchive: {
		OpCreate: false, OpRead: false, OpUpdate: false, OpDelete: false, OpMetadata: true,
	},
}

// transitions holds the legal mode transitions. EDIT and AR are terminal:
// leaving them requires a config change and restart.
var transitions = map[types.Mode]map[types.Mode]bool{
	types.ModeRW: {types.ModeRO: true},
	types.ModeRO: {types.ModeArchive: true},
}

// Allows reports whether an operation is legal in the given mode without
// needing a Machine. Used by readers that only have a registration record.
func Allows(m types.Mode, op Operation) bool {
	return permissions[m][op]
}

// Machine is the per-element mode state machine. It guards every file
// operation and records transitions.
type Machine struct {
	mu        sync.RWMutex
	elementID string
	mode      types.Mode
	history   []types.ModeTransition
	logger    zerolog.Logger
}

// NewMachine creates a state machine starting in the configured mode.
func NewMachine(elementID string, initial types.Mode, logger zerolog.Logger) (*Machine, error) {
	if _, ok := permissions[initial]; !ok {
		return nil, fmt.Errorf("unknown storage mode %q", initial)
	}
	return &Machine{
		elementID: elementID,
		mode:      initial,
		logger:    logger,
	}, nil
}

// Mode returns the current mode.
func (m *Machine) Mode() types.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// CanPerform returns a mode_forbidden error when the operation is not legal
// in the current mode.
func (m *Machine) CanPerform(op Operation) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !permissions[m.mode][op] {
		return fmt.Errorf("%s in mode %s: %w", op, m.mode, errdefs.ErrModeForbidden)
	}
	return nil
}

// Transition moves the machine to a new mode. Only RW->RO and RO->AR are
// legal at runtime.
func (m *Machine) Transition(to types.Mode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !transitions[m.mode][to] {
		return fmt.Errorf("transition %s -> %s: %w", m.mode, to, errdefs.ErrModeForbidden)
	}

	rec := types.ModeTransition{
		ElementID: m.elementID,
		From:      m.mode,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	m.history = append(m.history, rec)
	m.mode = to

	m.logger.Info().
		Str("from", string(rec.From)).
		Str("to", string(rec.To)).
		Str("reason", reason).
		Msg("storage mode transition")
	return nil
}

// History returns the recorded transitions, oldest first.
func (m *Machine) History() []types.ModeTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ModeTransition, len(m.history))
	copy(out, m.history)
	return out
}
