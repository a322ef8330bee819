package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/engine/gate"
	"opsline/internal/events"
	"opsline/internal/lock"
	"opsline/internal/repo"
	"opsline/internal/store"
)

// ErrMissionClosed is returned when adding work to a finalized mission.
var ErrMissionClosed = errors.New("mission is finalized")

// ValidationError reports a rejected request field. Nothing is written when
// it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	locks *lock.MutexMap
}

func New(st *store.Store, ev events.Writer) Engine {
	return Engine{
		Repo:   repo.Repo{Store: st},
		Events: ev,
		Now:    time.Now,
		locks:  lock.NewMutexMap(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// withProposal serializes mutations of one proposal within this process.
func (e Engine) withProposal(id string, fn func() error) error {
	if e.locks == nil {
		return fn()
	}
	return e.locks.With("proposal:"+id, fn)
}

func (e Engine) emit(ctx context.Context, evt domain.Event) {
	e.Events.Emit(ctx, evt)
}

// ProposalDraft is the caller-supplied part of a new proposal.
type ProposalDraft struct {
	Source      domain.ProposalSource
	Title       string
	Description string
	Project     string
	TaskKey     string
	Actor       string
}

func (d *ProposalDraft) normalize() error {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return invalid("title", "required")
	}
	if d.Source == "" {
		d.Source = domain.SourceManual
	}
	if !d.Source.Valid() {
		return invalid("source", fmt.Sprintf("must be one of manual, trigger, reaction, api (got %q)", d.Source))
	}
	if d.Actor == "" {
		d.Actor = string(d.Source)
	}
	return nil
}

// CreateProposal gates and records a new proposal. A proposal that fails the
// gate is returned already rejected.
func (e Engine) CreateProposal(ctx context.Context, draft ProposalDraft) (domain.Proposal, error) {
	if err := draft.normalize(); err != nil {
		return domain.Proposal{}, err
	}
	now := e.now()
	result := gate.Evaluate(gate.Input{
		Draft: gate.Draft{
			Title:       draft.Title,
			Description: draft.Description,
			Source:      string(draft.Source),
			Project:     draft.Project,
			TaskKey:     draft.TaskKey,
		},
		Policy:     e.Repo.Policies(ctx),
		PostsToday: e.postsOn(ctx, now),
	})

	p := domain.Proposal{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		Source:      draft.Source,
		Title:       draft.Title,
		Description: draft.Description,
		Project:     draft.Project,
		TaskKey:     draft.TaskKey,
		Status:      domain.ProposalPending,
		Gate:        result,
	}
	if !result.OK {
		p.Status = domain.ProposalRejected
		p.RejectedAt = &now
		p.RejectReason = result.Reason
	}
	if err := e.Repo.InsertProposal(ctx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}

	e.emit(ctx, domain.Event{
		Kind:       domain.EventProposalCreated,
		Title:      "Proposal created: " + p.Title,
		Details:    p.Description,
		ProposalID: p.ID,
		Project:    p.Project,
		TaskKey:    p.TaskKey,
		Actor:      draft.Actor,
	})
	if !result.OK {
		e.emit(ctx, domain.Event{
			Kind:       domain.EventProposalRejected,
			Title:      "Proposal rejected by policy: " + p.Title,
			Details:    result.Reason,
			ProposalID: p.ID,
			Project:    p.Project,
			TaskKey:    p.TaskKey,
			Actor:      "policy",
		})
	}
	return p, nil
}

// postsOn counts admitted post-like proposals created on the UTC day of t.
func (e Engine) postsOn(ctx context.Context, t time.Time) int {
	y, m, d := t.Date()
	n := 0
	for _, p := range e.Repo.ListProposals(ctx) {
		py, pm, pd := p.CreatedAt.UTC().Date()
		if py != y || pm != m || pd != d {
			continue
		}
		if p.Gate.OK && p.Status != domain.ProposalRejected && gate.IsPostLike(p.Title) {
			n++
		}
	}
	return n
}

// ListProposals returns every proposal, newest first.
func (e Engine) ListProposals(ctx context.Context) []domain.Proposal {
	return e.Repo.ListProposals(ctx)
}

func (e Engine) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return e.Repo.GetProposal(ctx, id)
}

type ApproveOptions struct {
	StepKind  string
	StepTitle string
	StepArgs  []string
	Actor     string
}

// ApproveResult describes what an approval did. Applied is false when the
// proposal was already terminal; Mission and Step are then nil.
type ApproveResult struct {
	Proposal domain.Proposal
	Mission  *domain.Mission
	Step     *domain.Step
	Applied  bool
}

// ApproveProposal moves a pending proposal to approved and spawns its mission
// with one queued step. Approving a terminal proposal is a no-op.
func (e Engine) ApproveProposal(ctx context.Context, id string, opts ApproveOptions) (ApproveResult, error) {
	var res ApproveResult
	err := e.withProposal(id, func() error {
		p, err := e.Repo.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			res = ApproveResult{Proposal: p}
			return nil
		}
		if opts.StepKind == "" {
			opts.StepKind = domain.StepKindNote
		}
		if opts.StepKind == domain.StepKindOpenclaw && len(opts.StepArgs) == 0 {
			return invalid("args", "required for openclaw steps")
		}
		if strings.TrimSpace(opts.StepTitle) == "" {
			opts.StepTitle = p.Title
		}
		if opts.Actor == "" {
			opts.Actor = "operator"
		}

		// The proposal is written last; a retry reuses what an earlier
		// attempt left behind.
		now := e.now()
		mission, step, err := e.spawnMission(ctx, p, opts, now)
		if err != nil {
			return err
		}
		p.Status = domain.ProposalApproved
		p.ApprovedAt = &now
		if err := e.Repo.InsertProposal(ctx, p); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}

		e.emit(ctx, domain.Event{
			Kind:       domain.EventProposalApproved,
			Title:      "Proposal approved: " + p.Title,
			ProposalID: p.ID,
			MissionID:  mission.ID,
			Project:    p.Project,
			TaskKey:    p.TaskKey,
			Actor:      opts.Actor,
		})
		e.emit(ctx, domain.Event{
			Kind:       domain.EventMissionCreated,
			Title:      "Mission created: " + mission.Title,
			ProposalID: p.ID,
			MissionID:  mission.ID,
			Project:    mission.Project,
			TaskKey:    mission.TaskKey,
			Actor:      opts.Actor,
		})
		e.emitQueued(ctx, mission, step, opts.Actor)

		res = ApproveResult{Proposal: p, Mission: &mission, Step: &step, Applied: true}
		return nil
	})
	return res, err
}

// spawnMission writes the mission and first step of an approval, reusing a
// mission left behind by an earlier attempt that failed before the proposal
// was updated.
func (e Engine) spawnMission(ctx context.Context, p domain.Proposal, opts ApproveOptions, now time.Time) (domain.Mission, domain.Step, error) {
	var mission domain.Mission
	if prior := e.Repo.MissionsForProposal(ctx, p.ID); len(prior) > 0 {
		mission = prior[len(prior)-1]
	} else {
		mission = domain.Mission{
			ID:         uuid.NewString(),
			TS:         now,
			ProposalID: p.ID,
			Title:      p.Title,
			Project:    p.Project,
			TaskKey:    p.TaskKey,
			Status:     domain.MissionRunning,
		}
		if err := e.Repo.InsertMission(ctx, mission); err != nil {
			return domain.Mission{}, domain.Step{}, fmt.Errorf("insert mission: %w", err)
		}
	}
	if steps := e.Repo.ListSteps(ctx, mission.ID, store.Ascending); len(steps) > 0 {
		return mission, steps[0], nil
	}
	step := domain.Step{
		ID:        uuid.NewString(),
		TS:        now,
		MissionID: mission.ID,
		Kind:      opts.StepKind,
		Title:     strings.TrimSpace(opts.StepTitle),
		Details:   p.Description,
		Args:      opts.StepArgs,
		Status:    domain.StepQueued,
	}
	if err := e.Repo.InsertStep(ctx, step); err != nil {
		return domain.Mission{}, domain.Step{}, fmt.Errorf("insert step: %w", err)
	}
	return mission, step, nil
}

func (e Engine) emitQueued(ctx context.Context, m domain.Mission, s domain.Step, actor string) {
	e.emit(ctx, domain.Event{
		Kind:       domain.EventStepQueued,
		Title:      fmt.Sprintf("Step queued (%s): %s", s.Kind, s.Title),
		ProposalID: m.ProposalID,
		MissionID:  m.ID,
		StepID:     s.ID,
		Project:    m.Project,
		TaskKey:    m.TaskKey,
		Actor:      actor,
	})
}

// RejectProposal moves a pending proposal to rejected. Rejecting a terminal
// proposal is a no-op and reports applied=false.
func (e Engine) RejectProposal(ctx context.Context, id, reason, actor string) (domain.Proposal, bool, error) {
	var (
		out     domain.Proposal
		applied bool
	)
	err := e.withProposal(id, func() error {
		p, err := e.Repo.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		out = p
		if p.Status.Terminal() {
			return nil
		}
		if actor == "" {
			actor = "operator"
		}
		now := e.now()
		p.Status = domain.ProposalRejected
		p.RejectedAt = &now
		p.RejectReason = strings.TrimSpace(reason)
		if err := e.Repo.InsertProposal(ctx, p); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		e.emit(ctx, domain.Event{
			Kind:       domain.EventProposalRejected,
			Title:      "Proposal rejected: " + p.Title,
			Details:    p.RejectReason,
			ProposalID: p.ID,
			Project:    p.Project,
			TaskKey:    p.TaskKey,
			Actor:      actor,
		})
		out, applied = p, true
		return nil
	})
	return out, applied, err
}

func (e Engine) GetPolicies(ctx context.Context) domain.Policy {
	return e.Repo.Policies(ctx)
}

// SetPolicies replaces the whole policy document. Last write wins.
func (e Engine) SetPolicies(ctx context.Context, p domain.Policy) error {
	return e.Repo.SetPolicies(ctx, p)
}

func (e Engine) ListMissions(ctx context.Context) []domain.Mission {
	return e.Repo.ListMissions(ctx)
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, id)
}

// ListSteps returns steps oldest first, optionally for one mission.
func (e Engine) ListSteps(ctx context.Context, missionID string) ([]domain.Step, error) {
	if missionID != "" {
		if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListSteps(ctx, missionID, store.Ascending), nil
}

type StepDraft struct {
	Kind    string
	Title   string
	Details string
	Args    []string
	Actor   string
}

// AddStep queues another step on a running mission.
func (e Engine) AddStep(ctx context.Context, missionID string, draft StepDraft) (domain.Step, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	if draft.Title == "" {
		return domain.Step{}, invalid("title", "required")
	}
	if draft.Kind == "" {
		draft.Kind = domain.StepKindNote
	}
	if draft.Kind == domain.StepKindOpenclaw && len(draft.Args) == 0 {
		return domain.Step{}, invalid("args", "required for openclaw steps")
	}
	if draft.Actor == "" {
		draft.Actor = "operator"
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Step{}, err
	}
	if m.Status.Terminal() {
		return domain.Step{}, fmt.Errorf("%w: %s is %s", ErrMissionClosed, m.ID, m.Status)
	}
	step := domain.Step{
		ID:        uuid.NewString(),
		TS:        e.now(),
		MissionID: m.ID,
		Kind:      draft.Kind,
		Title:     draft.Title,
		Details:   draft.Details,
		Args:      draft.Args,
		Status:    domain.StepQueued,
	}
	if err := e.Repo.InsertStep(ctx, step); err != nil {
		return domain.Step{}, fmt.Errorf("insert step: %w", err)
	}
	e.emitQueued(ctx, m, step, draft.Actor)
	return step, nil
}

// SettleMission finalizes a running mission once all of its steps are
// terminal: succeeded if every step succeeded, failed otherwise. It reports
// whether the mission changed.
func (e Engine) SettleMission(ctx context.Context, missionID string) (domain.Mission, bool, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, false, err
	}
	if m.Status.Terminal() {
		return m, false, nil
	}
	steps := e.Repo.ListSteps(ctx, missionID, store.Ascending)
	if len(steps) == 0 {
		return m, false, nil
	}
	status := domain.MissionSucceeded
	for _, s := range steps {
		if !s.Status.Terminal() {
			return m, false, nil
		}
		if s.Status == domain.StepFailed {
			status = domain.MissionFailed
		}
	}
	now := e.now()
	m.Status = status
	m.CompletedAt = &now
	if err := e.Repo.InsertMission(ctx, m); err != nil {
		return domain.Mission{}, false, fmt.Errorf("update mission: %w", err)
	}
	e.emit(ctx, domain.Event{
		Kind:       domain.EventNote,
		Title:      fmt.Sprintf("Mission %s: %s", status, m.Title),
		Details:    fmt.Sprintf("%d step(s) finished", len(steps)),
		ProposalID: m.ProposalID,
		MissionID:  m.ID,
		Project:    m.Project,
		TaskKey:    m.TaskKey,
		Actor:      "worker",
	})
	return m, true, nil
}

// Timeline returns a mission's events in log order.
func (e Engine) Timeline(ctx context.Context, missionID string) ([]domain.Event, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, repo.EventFilter{MissionID: missionID}), nil
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) []domain.Event {
	return e.Repo.ListEvents(ctx, f)
}
