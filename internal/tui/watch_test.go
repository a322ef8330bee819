package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/events"
	"opsline/internal/store"
	"opsline/internal/supervisor"
)

func TestEngineSourceCountsAndEvents(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.EnsureAll())
	e := engine.New(st, events.NewWriter(st, nil, zerolog.Nop()))
	ctx := context.Background()

	p, err := e.CreateProposal(ctx, engine.ProposalDraft{Title: "Restart cache"})
	require.NoError(t, err)
	_, err = e.ApproveProposal(ctx, p.ID, engine.ApproveOptions{})
	require.NoError(t, err)
	_, err = e.CreateProposal(ctx, engine.ProposalDraft{Title: "Resize volume"})
	require.NoError(t, err)

	snap, err := EngineSource(e, nil)(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateStopped, snap.Worker.State)
	assert.Equal(t, 1, snap.Steps[domain.StepQueued])
	assert.Equal(t, 1, snap.PendingProposals)
	assert.Len(t, snap.Events, 5)
}

func TestModelRendersSnapshot(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tickAt := at.Add(-5 * time.Second)
	snap := Snapshot{
		Worker: supervisor.Status{State: supervisor.StateRunning, PID: 77, WorkerID: "host-abc", LastTickAt: &tickAt},
		Steps:  map[domain.StepStatus]int{domain.StepQueued: 2, domain.StepFailed: 1},
		Events: []domain.Event{
			{ID: "e1", TS: at.Add(-time.Minute), Kind: domain.EventProposalCreated, Title: "Proposal created: first", Actor: "manual"},
			{ID: "e2", TS: at.Add(-30 * time.Second), Kind: domain.EventStepFailed, Title: "Step failed: deploy", Actor: "worker"},
		},
		At: at,
	}
	m := New(func(context.Context) (Snapshot, error) { return snap, nil })

	next, cmd := m.Update(refreshMsg{snap: snap})
	require.NotNil(t, cmd)
	view := next.(Model).View()
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "pid 77")
	assert.Contains(t, view, "queued 2")
	assert.Contains(t, view, "failed 1")
	assert.Contains(t, view, "step.failed")

	// newest event is listed first
	assert.Less(t, strings.Index(view, "step.failed"), strings.Index(view, "proposal.created"))
}

func TestModelKeepsLastSnapshotOnError(t *testing.T) {
	m := New(func(context.Context) (Snapshot, error) { return Snapshot{}, nil })
	next, _ := m.Update(refreshMsg{err: errors.New("boom")})
	assert.Contains(t, next.(Model).View(), "boom")

	snap := Snapshot{Worker: supervisor.Status{State: supervisor.StateStale}, Steps: map[domain.StepStatus]int{}}
	next, _ = next.Update(refreshMsg{snap: snap})
	next, _ = next.Update(refreshMsg{err: errors.New("later failure")})
	view := next.(Model).View()
	assert.Contains(t, view, "stale")
	assert.Contains(t, view, "later failure")
}

func TestModelQuitsOnKey(t *testing.T) {
	m := New(func(context.Context) (Snapshot, error) { return Snapshot{}, nil })
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestRefreshCommandLoadsSource(t *testing.T) {
	want := Snapshot{PendingProposals: 3}
	m := New(func(context.Context) (Snapshot, error) { return want, nil })
	msg := m.Init()()
	got, ok := msg.(refreshMsg)
	require.True(t, ok)
	assert.Equal(t, 3, got.snap.PendingProposals)
}
