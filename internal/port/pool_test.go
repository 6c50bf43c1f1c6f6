package port

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/dynport/internal/model"
)

func poolState(start, end int) *model.State {
	return model.NewState(model.Settings{PortRange: [2]int{start, end}, StatePath: "s.json", HistoryMax: 10})
}

func TestPool_PickKeepsInvariants(t *testing.T) {
	p := NewPool(NewHistoryLog(10), nil)
	st := poolState(3000, 3003)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		_, err := p.Pick(context.Background(), st, now)
		require.NoError(t, err)
		require.NoError(t, st.Validate())
	}
	assert.Empty(t, st.FreePorts)
	assert.Equal(t, []int{3000, 3001, 3002, 3003}, st.UsedPorts)

	_, err := p.Pick(context.Background(), st, now)
	assert.ErrorIs(t, err, model.ErrPoolExhausted)
	assert.Equal(t, int64(4), st.ChangeCount, "a failed pick does not count")
}

func TestPool_ReleaseReinsertsSorted(t *testing.T) {
	p := NewPool(NewHistoryLog(10), nil)
	st := poolState(3000, 3004)
	now := time.Now()
	for i := 0; i < 5; i++ {
		_, err := p.Pick(context.Background(), st, now)
		require.NoError(t, err)
	}

	assert.True(t, p.Release(st, 3003))
	assert.True(t, p.Release(st, 3001))
	assert.False(t, p.Release(st, 3001), "second release of the same port is a no-op")
	assert.False(t, p.Release(st, 9999))

	assert.Equal(t, []int{3001, 3003}, st.FreePorts)
	assert.Equal(t, []int{3000, 3002, 3004}, st.UsedPorts)
	require.NotNil(t, st.CurrentPort)
	assert.Equal(t, 3004, *st.CurrentPort, "releasing another port keeps current_port")

	assert.True(t, p.Release(st, 3004))
	assert.Nil(t, st.CurrentPort)
	assert.Equal(t, int64(8), st.ChangeCount)
	require.NoError(t, st.Validate())
}

func TestPool_ProberReturnsUnknownPort(t *testing.T) {
	p := NewPool(NewHistoryLog(10), proberFunc(func([]int) (int, bool, error) { return 1234, true, nil }))
	st := poolState(3000, 3001)

	res, err := p.Pick(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3000, res.Port)
	assert.Error(t, res.ProbeErr)
}

func TestPool_ProberSkippedCount(t *testing.T) {
	p := NewPool(NewHistoryLog(10), proberFunc(func(c []int) (int, bool, error) { return c[2], true, nil }))
	st := poolState(3000, 3005)

	res, err := p.Pick(context.Background(), st, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3002, res.Port)
	assert.Equal(t, 2, res.Skipped)
}

type proberFunc func(candidates []int) (int, bool, error)

func (f proberFunc) Name() string { return "func" }

func (f proberFunc) FirstAvailable(_ context.Context, candidates []int) (int, bool, error) {
	return f(candidates)
}

func TestHistoryLog_Append(t *testing.T) {
	h := NewHistoryLog(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var entries []model.HistoryEntry
	for i := 0; i < 10; i++ {
		entries = h.Append(entries, model.HistoryEntry{Timestamp: base.Add(time.Duration(i) * time.Second), NewPort: 3000 + i})
		assert.LessOrEqual(t, len(entries), 3)
	}
	require.Len(t, entries, 3)
	assert.Equal(t, []int{3007, 3008, 3009}, []int{entries[0].NewPort, entries[1].NewPort, entries[2].NewPort})
}

func TestHistoryLog_StrictlyIncreasing(t *testing.T) {
	h := NewHistoryLog(5)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := h.Append(nil, model.HistoryEntry{Timestamp: at, NewPort: 3000})
	entries = h.Append(entries, model.HistoryEntry{Timestamp: at, NewPort: 3001})
	entries = h.Append(entries, model.HistoryEntry{Timestamp: at.Add(-time.Hour), NewPort: 3002})

	assert.Equal(t, at.Add(time.Nanosecond), entries[1].Timestamp)
	assert.Equal(t, at.Add(2*time.Nanosecond), entries[2].Timestamp)
}

func TestHistoryLog_Disabled(t *testing.T) {
	h := NewHistoryLog(0)
	entries := h.Append(nil, model.HistoryEntry{Timestamp: time.Now(), NewPort: 3000})
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}
