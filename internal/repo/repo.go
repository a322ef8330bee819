package repo

import (
	"context"
	"errors"

	"opsline/internal/domain"
	"opsline/internal/store"
)

// Repo gives typed access to the entity streams of one store.
type Repo struct {
	Store *store.Store
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProposal(ctx context.Context, p domain.Proposal) error {
	return r.Store.Append(store.Proposals, p)
}

// ListProposals returns the latest version of every proposal, newest first.
func (r Repo) ListProposals(ctx context.Context) []domain.Proposal {
	return store.FoldLatest[domain.Proposal](r.Store, store.Proposals, store.Descending)
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	p, ok := store.FindLatest[domain.Proposal](r.Store, store.Proposals, id)
	if !ok {
		return domain.Proposal{}, ErrNotFound
	}
	return p, nil
}

func (r Repo) InsertMission(ctx context.Context, m domain.Mission) error {
	return r.Store.Append(store.Missions, m)
}

func (r Repo) ListMissions(ctx context.Context) []domain.Mission {
	return store.FoldLatest[domain.Mission](r.Store, store.Missions, store.Descending)
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, ok := store.FindLatest[domain.Mission](r.Store, store.Missions, id)
	if !ok {
		return domain.Mission{}, ErrNotFound
	}
	return m, nil
}

// MissionsForProposal returns the missions spawned by a proposal.
func (r Repo) MissionsForProposal(ctx context.Context, proposalID string) []domain.Mission {
	var res []domain.Mission
	for _, m := range r.ListMissions(ctx) {
		if m.ProposalID == proposalID {
			res = append(res, m)
		}
	}
	return res
}

func (r Repo) InsertStep(ctx context.Context, s domain.Step) error {
	return r.Store.Append(store.Steps, s)
}

// ListSteps returns the latest version of every step in the given order.
// A non-empty missionID restricts the result to that mission.
func (r Repo) ListSteps(ctx context.Context, missionID string, order store.Order) []domain.Step {
	steps := store.FoldLatest[domain.Step](r.Store, store.Steps, order)
	if missionID == "" {
		return steps
	}
	res := make([]domain.Step, 0, len(steps))
	for _, s := range steps {
		if s.MissionID == missionID {
			res = append(res, s)
		}
	}
	return res
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	s, ok := store.FindLatest[domain.Step](r.Store, store.Steps, id)
	if !ok {
		return domain.Step{}, ErrNotFound
	}
	return s, nil
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	return r.Store.Append(store.Events, e)
}

type EventFilter struct {
	Kind       domain.EventKind
	ProposalID string
	MissionID  string
	StepID     string
	// Limit keeps only the most recent matches; <= 0 keeps all.
	Limit int
}

func (f EventFilter) match(e domain.Event) bool {
	switch {
	case f.Kind != "" && e.Kind != f.Kind:
		return false
	case f.ProposalID != "" && e.ProposalID != f.ProposalID:
		return false
	case f.MissionID != "" && e.MissionID != f.MissionID:
		return false
	case f.StepID != "" && e.StepID != f.StepID:
		return false
	}
	return true
}

// ListEvents returns matching events in log order.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) []domain.Event {
	all := store.Read[domain.Event](r.Store, store.Events, 0)
	res := make([]domain.Event, 0, len(all))
	for _, e := range all {
		if f.match(e) {
			res = append(res, e)
		}
	}
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[len(res)-f.Limit:]
	}
	return res
}

// EventsAfter returns up to limit events that follow the event with id
// cursor in log order. An empty cursor starts at the beginning of the log. A
// cursor that is no longer in the log falls back to comparing ids, which are
// lexically time ordered.
func (r Repo) EventsAfter(ctx context.Context, cursor string, limit int) []domain.Event {
	all := store.Read[domain.Event](r.Store, store.Events, 0)
	start := 0
	if cursor != "" {
		start = -1
		for i, e := range all {
			if e.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	var res []domain.Event
	for i, e := range all {
		if start >= 0 && i < start {
			continue
		}
		if start < 0 && e.ID <= cursor {
			continue
		}
		res = append(res, e)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res
}

// LatestEventID returns the id of the last event in the log.
func (r Repo) LatestEventID(ctx context.Context) string {
	tail := store.Read[domain.Event](r.Store, store.Events, 1)
	if len(tail) == 0 {
		return ""
	}
	return tail[0].ID
}

func (r Repo) Policies(ctx context.Context) domain.Policy {
	return r.Store.Policies()
}

func (r Repo) SetPolicies(ctx context.Context, p domain.Policy) error {
	return r.Store.SetPolicies(p)
}
