package rig

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/protocol"
)

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []protocol.RunState
}

func (r *recordingPublisher) Publish(s protocol.RunState) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func TestStore_ReplaceCarriesLiveCurrent(t *testing.T) {
	s := NewStore()
	pub := &recordingPublisher{}
	s.SetPublisher(pub)

	s.SetCurrent(1.75)
	next := &protocol.RunState{Status: consts.StatusRunning, Phase: consts.PhaseIdle, TotalCycles: 3}
	s.Replace(next)

	snap := s.Snapshot()
	assert.Equal(t, consts.StatusRunning, snap.Status)
	assert.InDelta(t, 1.75, snap.Current, 1e-9)
	require.Len(t, pub.snaps, 1)
	assert.Equal(t, 3, pub.snaps[0].TotalCycles)
}

func TestStore_MutateRejectsSupersededInstance(t *testing.T) {
	s := NewStore()
	first := &protocol.RunState{Status: consts.StatusRunning}
	s.Replace(first)
	assert.True(t, s.Owns(first))

	s.Replace(NewIdleState())
	assert.False(t, s.Owns(first))

	ok := s.Mutate(first, func(rs *protocol.RunState) { rs.Status = consts.StatusCompleted })
	assert.False(t, ok)
	assert.Equal(t, consts.StatusIdle, s.Snapshot().Status)
}

func TestStore_SetCurrentDoesNotPublish(t *testing.T) {
	s := NewStore()
	pub := &recordingPublisher{}
	s.SetPublisher(pub)

	s.SetCurrent(0.4)
	assert.Empty(t, pub.snaps)
	assert.InDelta(t, 0.4, s.Current(), 1e-9)

	s.Update(func(rs *protocol.RunState) { rs.CancelRequested = true })
	require.Len(t, pub.snaps, 1)
	assert.True(t, pub.snaps[0].CancelRequested)
	assert.InDelta(t, 0.4, pub.snaps[0].Current, 1e-9)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	snap.Status = consts.StatusFailed
	assert.Equal(t, consts.StatusIdle, s.Snapshot().Status)
}
