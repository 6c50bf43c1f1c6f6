package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(start, end int) Settings {
	return Settings{PortRange: [2]int{start, end}, StatePath: "/tmp/state.json", HistoryMax: 3}
}

// TestNewState verifies that a fresh state has every port in range free,
// nothing used, and empty history.
func TestNewState(t *testing.T) {
	s := NewState(testSettings(3000, 3004))

	assert.Equal(t, []int{3000, 3001, 3002, 3003, 3004}, s.FreePorts)
	assert.Empty(t, s.UsedPorts)
	assert.NotNil(t, s.UsedPorts, "used_ports must encode as [] not null")
	assert.Empty(t, s.History)
	assert.Nil(t, s.CurrentPort)
	assert.Equal(t, int64(0), s.ChangeCount)
	require.NoError(t, s.Validate())
}

// TestNewState_SinglePort covers the degenerate start == end range.
func TestNewState_SinglePort(t *testing.T) {
	s := NewState(testSettings(3000, 3000))
	assert.Equal(t, []int{3000}, s.FreePorts)
}

// TestState_Clone verifies that a clone shares no mutable memory with the
// original, so callers of the facade can never corrupt the cached view.
func TestState_Clone(t *testing.T) {
	orig := NewState(testSettings(3000, 3002))
	orig.FreePorts = []int{3001, 3002}
	orig.UsedPorts = []int{3000}
	orig.CurrentPort = IntPtr(3000)
	orig.PortUsage[3000] = 1
	orig.History = append(orig.History, HistoryEntry{Timestamp: time.Now(), NewPort: 3000})
	orig.RecordError(errors.New("boom"), time.Now())

	c := orig.Clone()
	require.Equal(t, orig, c)

	c.FreePorts[0] = 9999
	c.UsedPorts[0] = 9999
	*c.CurrentPort = 9999
	c.PortUsage[3000] = 42
	c.History[0].NewPort = 9999
	*c.LastError = "changed"

	assert.Equal(t, 3001, orig.FreePorts[0])
	assert.Equal(t, 3000, orig.UsedPorts[0])
	assert.Equal(t, 3000, *orig.CurrentPort)
	assert.Equal(t, 1, orig.PortUsage[3000])
	assert.Equal(t, 3000, orig.History[0].NewPort)
	assert.Equal(t, "boom", *orig.LastError)
}

// TestState_CloneNil guards the nil receiver path.
func TestState_CloneNil(t *testing.T) {
	var s *State
	assert.Nil(t, s.Clone())
}

// TestState_Validate covers each structural invariant a decoded file must
// satisfy before the store trusts it.
func TestState_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *State)
		wantErr string
	}{
		{
			name:   "fresh state is valid",
			mutate: func(s *State) {},
		},
		{
			name:    "unsorted free ports",
			mutate:  func(s *State) { s.FreePorts = []int{3002, 3001} },
			wantErr: "free_ports",
		},
		{
			name:    "duplicate used ports",
			mutate:  func(s *State) { s.FreePorts = []int{3002}; s.UsedPorts = []int{3000, 3000} },
			wantErr: "used_ports",
		},
		{
			name:    "overlapping free and used",
			mutate:  func(s *State) { s.UsedPorts = []int{3001} },
			wantErr: "both free and used",
		},
		{
			name: "current port not used",
			mutate: func(s *State) {
				s.CurrentPort = IntPtr(3000)
			},
			wantErr: "current_port",
		},
		{
			name:    "negative change count",
			mutate:  func(s *State) { s.ChangeCount = -1 },
			wantErr: "change_count",
		},
		{
			name:    "port outside valid tcp range",
			mutate:  func(s *State) { s.FreePorts = []int{0, 3001} },
			wantErr: "outside",
		},
		{
			name:    "negative usage counter",
			mutate:  func(s *State) { s.PortUsage[3000] = -2 },
			wantErr: "port_usage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState(testSettings(3000, 3002))
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestState_RecordAndClearError verifies the last_error bookkeeping.
func TestState_RecordAndClearError(t *testing.T) {
	s := NewState(testSettings(3000, 3000))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.RecordError(nil, at)
	assert.Nil(t, s.LastError, "nil errors are ignored")

	s.RecordError(errors.New("disk full"), at)
	require.NotNil(t, s.LastError)
	assert.Equal(t, "disk full", *s.LastError)
	assert.Equal(t, at, *s.LastErrorTime)

	s.ClearError()
	assert.Nil(t, s.LastError)
	assert.Nil(t, s.LastErrorTime)
}

// TestSettings_Contains checks the inclusive range bounds.
func TestSettings_Contains(t *testing.T) {
	s := testSettings(3000, 3002)
	assert.True(t, s.Contains(3000))
	assert.True(t, s.Contains(3002))
	assert.False(t, s.Contains(2999))
	assert.False(t, s.Contains(3003))
}

// TestExitCodeFor maps wrapped sentinel errors onto CLI exit codes.
func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want ExitCode
	}{
		{nil, ExitSuccess},
		{fmt.Errorf("pick: %w", ErrPoolExhausted), ExitPoolExhausted},
		{fmt.Errorf("pick: %w", ErrLockTimeout), ExitLockTimeout},
		{fmt.Errorf("backup: %w", ErrNotFound), ExitNotFound},
		{ErrNotRunning, ExitNotRunning},
		{fmt.Errorf("range: %w", ErrInvalidConfig), ExitInvalidConfig},
		{fmt.Errorf("release: %w", ErrInvalidPort), ExitInvalidConfig},
		{errors.New("other"), ExitGeneralError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCodeFor(tt.err), "error: %v", tt.err)
	}
}

// TestCLIError verifies error formatting and unwrapping.
func TestCLIError(t *testing.T) {
	base := errors.New("underlying")
	wrapped := WrapCLIError(ExitLockTimeout, "could not pick", base)

	assert.Equal(t, "could not pick: underlying", wrapped.Error())
	assert.True(t, errors.Is(wrapped, base))

	plain := NewCLIError(ExitNotFound, "backup missing")
	assert.Equal(t, "backup missing", plain.Error())
	assert.Nil(t, plain.Unwrap())
}
