package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsight/gridsight/internal/detect"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gridsight.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.BeginSession(3, 3, "bench run")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	_, err = s.BeginSession(2, 4, "")
	require.NoError(t, err)

	sessions, err := s.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	var found bool
	for _, got := range sessions {
		if got.ID == sess.ID {
			found = true
			assert.Equal(t, 3, got.GridRows)
			assert.Equal(t, 3, got.GridCols)
			assert.Equal(t, "bench run", got.Notes)
		}
	}
	assert.True(t, found)
}

func TestRecordAndListSteps(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.BeginSession(3, 3, "")
	require.NoError(t, err)

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	events := []detect.Event{
		{Cell: 4, Row: 1, Col: 1, Frame: 10, Time: base, Confidence: 0.8, Kind: detect.KindReveal},
		{Cell: 0, Row: 0, Col: 0, Frame: 25, Time: base.Add(400 * time.Millisecond), Confidence: 0.5, Kind: detect.KindInput},
	}
	for _, ev := range events {
		require.NoError(t, s.RecordStep(sess.ID, 0, ev))
	}

	steps, err := s.ListSteps(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, 4, steps[0].Cell)
	assert.Equal(t, "reveal", steps[0].Kind)
	assert.Equal(t, uint64(10), steps[0].Frame)
	assert.Equal(t, base, steps[0].EventTime)
	assert.Equal(t, "input", steps[1].Kind)
	assert.InDelta(t, 0.5, steps[1].Confidence, 1e-9)

	// steps are scoped per session
	other, err := s.BeginSession(3, 3, "")
	require.NoError(t, err)
	steps, err = s.ListSteps(other.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestRecordAndListRounds(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.BeginSession(3, 3, "")
	require.NoError(t, err)

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRound(RoundRecord{
		SessionID:  sess.ID,
		RoundIndex: 0,
		RevealLen:  3,
		InputCount: 3,
		Completed:  true,
		Indices:    []int{4, 1, 7},
		StartedAt:  base,
		EndedAt:    base.Add(5 * time.Second),
	}))
	require.NoError(t, s.RecordRound(RoundRecord{
		SessionID:  sess.ID,
		RoundIndex: 1,
		RevealLen:  4,
		InputCount: 2,
		Indices:    []int{4, 1, 7, 3},
		StartedAt:  base.Add(7 * time.Second),
		EndedAt:    base.Add(15 * time.Second),
	}))

	rounds, err := s.ListRounds(sess.ID)
	require.NoError(t, err)
	require.Len(t, rounds, 2)

	assert.True(t, rounds[0].Completed)
	assert.Equal(t, []int{4, 1, 7}, rounds[0].Indices)
	assert.Equal(t, base, rounds[0].StartedAt)

	assert.False(t, rounds[1].Completed)
	assert.Equal(t, 2, rounds[1].InputCount)
	assert.Equal(t, []int{4, 1, 7, 3}, rounds[1].Indices)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridsight.db")

	s, err := Open(path)
	require.NoError(t, err)
	sess, err := s.BeginSession(3, 3, "persisted")
	require.NoError(t, err)
	require.NoError(t, s.RecordStep(sess.ID, 0, detect.Event{
		Cell: 1, Time: time.Now().UTC(), Kind: detect.KindReveal,
	}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	steps, err := s2.ListSteps(sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	version, dirty, err := s2.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}
