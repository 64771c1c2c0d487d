package mode

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

// TestAllows tests the full mode/operation permission table.
func TestAllows(t *testing.T) {
	tests := []struct {
		mode types.Mode
		op   Operation
		want bool
	}{
		{types.ModeEdit, OpCreate, true},
		{types.ModeEdit, OpRead, true},
		{types.ModeEdit, OpUpdate, true},
		{types.ModeEdit, OpDelete, true},
		{types.ModeEdit, OpMetadata, true},

		{types.ModeRW, OpCreate, true},
		{types.ModeRW, OpRead, true},
		{types.ModeRW, OpUpdate, true},
		{types.ModeRW, OpDelete, false},
		{types.ModeRW, OpMetadata, true},

		{types.ModeRO, OpCreate, false},
		{types.ModeRO, OpRead, true},
		{types.ModeRO, OpUpdate, false},
		{types.ModeRO, OpDelete, false},
		{types.ModeRO, OpMetadata, true},

		{types.ModeArchive, OpCreate, false},
		{types.ModeArchive, OpRead, false},
		{types.ModeArchive, OpUpdate, false},
		{types.ModeArchive, OpDelete, false},
		{types.ModeArchive, OpMetadata, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+string(tt.op), func(t *testing.T) {
			assert.Equal(t, tt.want, Allows(tt.mode, tt.op))
		})
	}
}

func TestAllowsUnknownMode(t *testing.T) {
	assert.False(t, Allows(types.Mode("XX"), OpRead))
}

func TestNewMachineRejectsUnknownMode(t *testing.T) {
	_, err := NewMachine("se-1", types.Mode("bogus"), zerolog.Nop())
	assert.Error(t, err)
}

func TestCanPerform(t *testing.T) {
	m, err := NewMachine("se-1", types.ModeRW, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, m.CanPerform(OpCreate))
	err = m.CanPerform(OpDelete)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrModeForbidden))
}

// TestTransition tests the legal transition chain RW -> RO -> AR and that
// every other transition is rejected.
func TestTransition(t *testing.T) {
	m, err := NewMachine("se-1", types.ModeRW, zerolog.Nop())
	require.NoError(t, err)

	// RW -> AR skips a state and must fail.
	err = m.Transition(types.ModeArchive, "skip")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrModeForbidden))
	assert.Equal(t, types.ModeRW, m.Mode())

	require.NoError(t, m.Transition(types.ModeRO, "capacity reached"))
	assert.Equal(t, types.ModeRO, m.Mode())

	// Going backwards is never legal.
	err = m.Transition(types.ModeRW, "reopen")
	assert.True(t, errors.Is(err, errdefs.ErrModeForbidden))

	require.NoError(t, m.Transition(types.ModeArchive, "retired"))
	assert.Equal(t, types.ModeArchive, m.Mode())

	// AR is terminal.
	err = m.Transition(types.ModeRO, "revive")
	assert.True(t, errors.Is(err, errdefs.ErrModeForbidden))

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, types.ModeRW, history[0].From)
	assert.Equal(t, types.ModeRO, history[0].To)
	assert.Equal(t, "capacity reached", history[0].Reason)
	assert.Equal(t, types.ModeRO, history[1].From)
	assert.Equal(t, types.ModeArchive, history[1].To)
}

func TestEditIsTerminal(t *testing.T) {
	m, err := NewMachine("se-1", types.ModeEdit, zerolog.Nop())
	require.NoError(t, err)

	for _, to := range []types.Mode{types.ModeRW, types.ModeRO, types.ModeArchive} {
		err := m.Transition(to, "test")
		assert.True(t, errors.Is(err, errdefs.ErrModeForbidden), "EDIT -> %s must be rejected", to)
	}
}

func TestHistoryIsACopy(t *testing.T) {
	m, err := NewMachine("se-1", types.ModeRW, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Transition(types.ModeRO, "test"))

	h := m.History()
	h[0].Reason = "mutated"
	assert.Equal(t, "test", m.History()[0].Reason)
}
