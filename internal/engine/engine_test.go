package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/events"
	"opsline/internal/repo"
	"opsline/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Store  *store.Store
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureAll(); err != nil {
		t.Fatalf("ensure store: %v", err)
	}
	clock := func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) }
	ev := events.NewWriter(st, nil, zerolog.Nop())
	ev.Now = clock
	eng := engine.New(st, ev)
	eng.Now = clock
	return testEnv{Engine: eng, Store: st, Ctx: context.Background()}
}

func (env testEnv) setPolicy(t *testing.T, raw string) {
	t.Helper()
	var p domain.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if err := env.Engine.SetPolicies(env.Ctx, p); err != nil {
		t.Fatalf("set policy: %v", err)
	}
}

func kinds(evts []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func equalKinds(a, b []domain.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGateRejectionAtCreation(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, `{"x_autopost":{"enabled":false}}`)

	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Tweet about launch", Source: domain.SourceManual})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != domain.ProposalRejected {
		t.Fatalf("status %s, want rejected", p.Status)
	}
	if p.Gate.OK || p.Gate.Reason != "x_autopost disabled" || p.RejectReason != p.Gate.Reason {
		t.Fatalf("unexpected gate result %+v / %q", p.Gate, p.RejectReason)
	}
	evts := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ProposalID: p.ID})
	want := []domain.EventKind{domain.EventProposalCreated, domain.EventProposalRejected}
	if !equalKinds(kinds(evts), want) {
		t.Fatalf("events %v, want %v", kinds(evts), want)
	}

	// approving a policy-rejected proposal does nothing
	res, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})
	if err != nil || res.Applied {
		t.Fatalf("approve rejected proposal: applied=%v err=%v", res.Applied, err)
	}
	if len(env.Engine.ListMissions(env.Ctx)) != 0 {
		t.Fatalf("mission created for rejected proposal")
	}
}

func TestApproveCreatesMissionAndStep(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Write blog draft", Description: "outline + intro"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != domain.ProposalPending || !p.Gate.OK || p.Source != domain.SourceManual {
		t.Fatalf("unexpected proposal %+v", p)
	}

	res, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{StepKind: "note", StepTitle: "draft"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !res.Applied || res.Mission == nil || res.Step == nil {
		t.Fatalf("approval not applied: %+v", res)
	}
	if res.Proposal.Status != domain.ProposalApproved || res.Proposal.ApprovedAt == nil {
		t.Fatalf("proposal not approved: %+v", res.Proposal)
	}

	missions := env.Engine.ListMissions(env.Ctx)
	if len(missions) != 1 || missions[0].ProposalID != p.ID || missions[0].Status != domain.MissionRunning {
		t.Fatalf("missions %+v", missions)
	}
	steps, err := env.Engine.ListSteps(env.Ctx, missions[0].ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected one step, got %d", len(steps))
	}
	s := steps[0]
	if s.Kind != "note" || s.Title != "draft" || s.Status != domain.StepQueued || s.Details != "outline + intro" {
		t.Fatalf("unexpected step %+v", s)
	}

	evts := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ProposalID: p.ID})
	want := []domain.EventKind{domain.EventProposalCreated, domain.EventProposalApproved, domain.EventMissionCreated, domain.EventStepQueued}
	if !equalKinds(kinds(evts), want) {
		t.Fatalf("events %v, want %v", kinds(evts), want)
	}
	timeline, err := env.Engine.Timeline(env.Ctx, missions[0].ID)
	if err != nil || len(timeline) != 3 {
		t.Fatalf("timeline %v err=%v", kinds(timeline), err)
	}

	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	if err != nil || got.Status != domain.ProposalApproved {
		t.Fatalf("folded proposal %+v err=%v", got, err)
	}
}

func TestApproveDefaultsStepFromProposal(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Rotate keys"})
	res, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Step.Kind != domain.StepKindNote || res.Step.Title != "Rotate keys" {
		t.Fatalf("defaults not applied: %+v", res.Step)
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Refresh docs"})

	first, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})
	if err != nil || !first.Applied {
		t.Fatalf("first approve: %+v %v", first, err)
	}
	second, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if second.Applied || second.Mission != nil {
		t.Fatalf("second approve should be a no-op: %+v", second)
	}
	if n := len(env.Engine.ListMissions(env.Ctx)); n != 1 {
		t.Fatalf("expected 1 mission, got %d", n)
	}
}

func TestConcurrentApproveCreatesOneMission(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Ship release notes"})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})
			if err != nil {
				t.Errorf("approve: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("applied %d times", applied)
	}
	if n := len(env.Engine.ListMissions(env.Ctx)); n != 1 {
		t.Fatalf("expected 1 mission, got %d", n)
	}
}

func TestRejectProposal(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Delete staging"})

	got, applied, err := env.Engine.RejectProposal(env.Ctx, p.ID, "not now", "alice")
	if err != nil || !applied {
		t.Fatalf("reject: applied=%v err=%v", applied, err)
	}
	if got.Status != domain.ProposalRejected || got.RejectReason != "not now" || got.RejectedAt == nil {
		t.Fatalf("unexpected proposal %+v", got)
	}
	evts := env.Engine.ListEvents(env.Ctx, repo.EventFilter{ProposalID: p.ID, Kind: domain.EventProposalRejected})
	if len(evts) != 1 || evts[0].Actor != "alice" {
		t.Fatalf("reject events %+v", evts)
	}

	_, applied, err = env.Engine.RejectProposal(env.Ctx, p.ID, "again", "")
	if err != nil || applied {
		t.Fatalf("second reject: applied=%v err=%v", applied, err)
	}
	res, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})
	if err != nil || res.Applied {
		t.Fatalf("approve after reject: %+v %v", res, err)
	}
	if len(env.Engine.ListMissions(env.Ctx)) != 0 {
		t.Fatalf("reject must not create missions")
	}
}

func TestUnknownProposal(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ApproveProposal(env.Ctx, "nope", engine.ApproveOptions{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("approve unknown: %v", err)
	}
	if _, _, err := env.Engine.RejectProposal(env.Ctx, "nope", "", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("reject unknown: %v", err)
	}
	if n := len(store.Read[domain.Event](env.Store, store.Events, 0)); n != 0 {
		t.Fatalf("not-found wrote %d events", n)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		draft engine.ProposalDraft
		field string
	}{
		{engine.ProposalDraft{Title: "   "}, "title"},
		{engine.ProposalDraft{Title: "x", Source: "cron"}, "source"},
	}
	for _, tc := range cases {
		_, err := env.Engine.CreateProposal(env.Ctx, tc.draft)
		var verr *engine.ValidationError
		if !errors.As(err, &verr) || verr.Field != tc.field {
			t.Fatalf("draft %+v: expected validation error on %s, got %v", tc.draft, tc.field, err)
		}
	}
	if len(env.Engine.ListProposals(env.Ctx)) != 0 {
		t.Fatalf("invalid drafts must not be written")
	}
}

func TestDailyQuotaCountsAdmittedPosts(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, `{"x_daily_quota":{"limit":1}}`)

	first, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "tweet the changelog"})
	if first.Status != domain.ProposalPending {
		t.Fatalf("first post should pass: %+v", first.Gate)
	}
	second, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "tweet the roadmap"})
	if second.Status != domain.ProposalRejected || second.Gate.Reason != "x_daily_quota reached (1/1)" {
		t.Fatalf("second post should hit quota: %+v", second.Gate)
	}
}

func TestAddStepAndSettleMission(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Audit cron"})
	res, _ := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})

	if _, err := env.Engine.AddStep(env.Ctx, res.Mission.ID, engine.StepDraft{Kind: domain.StepKindOpenclaw, Title: "list"}); err == nil {
		t.Fatalf("openclaw step without args should fail validation")
	}
	extra, err := env.Engine.AddStep(env.Ctx, res.Mission.ID, engine.StepDraft{Kind: domain.StepKindOpenclaw, Title: "list", Args: []string{"cron", "list"}})
	if err != nil {
		t.Fatalf("add step: %v", err)
	}

	// not settled while steps are outstanding
	if _, changed, _ := env.Engine.SettleMission(env.Ctx, res.Mission.ID); changed {
		t.Fatalf("settled with queued steps")
	}

	done := *res.Step
	done.Status = domain.StepSucceeded
	failed := extra
	failed.Status = domain.StepFailed
	for _, s := range []domain.Step{done, failed} {
		if err := env.Engine.Repo.InsertStep(env.Ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	m, changed, err := env.Engine.SettleMission(env.Ctx, res.Mission.ID)
	if err != nil || !changed || m.Status != domain.MissionFailed || m.CompletedAt == nil {
		t.Fatalf("settle: %+v changed=%v err=%v", m, changed, err)
	}

	_, err = env.Engine.AddStep(env.Ctx, res.Mission.ID, engine.StepDraft{Title: "late"})
	if !errors.Is(err, engine.ErrMissionClosed) {
		t.Fatalf("expected ErrMissionClosed, got %v", err)
	}
	if _, err := env.Engine.AddStep(env.Ctx, "missing", engine.StepDraft{Title: "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPoliciesRoundTripUnknownKeys(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, `{"x_autopost":{"enabled":true},"discord":{"webhook":"w"}}`)
	out, err := json.Marshal(env.Engine.GetPolicies(env.Ctx))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	_ = json.Unmarshal(out, &doc)
	if _, ok := doc["discord"]; !ok {
		t.Fatalf("unknown key dropped: %s", out)
	}
}

func TestApproveRetryAfterFailedStepWrite(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Renew certificates"})

	stepsPath := env.Store.Path(store.Steps)
	if err := os.Remove(stepsPath); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(stepsPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{}); err == nil {
		t.Fatalf("expected step write to fail")
	}
	got, _ := env.Engine.GetProposal(env.Ctx, p.ID)
	if got.Status != domain.ProposalPending {
		t.Fatalf("proposal should stay pending after a failed approval, got %s", got.Status)
	}

	if err := os.Remove(stepsPath); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{})
	if err != nil || !res.Applied {
		t.Fatalf("retry: %+v %v", res, err)
	}
	missions := env.Engine.ListMissions(env.Ctx)
	if len(missions) != 1 || missions[0].ID != res.Mission.ID {
		t.Fatalf("expected the first mission to be reused, got %+v", missions)
	}
	steps, _ := env.Engine.ListSteps(env.Ctx, res.Mission.ID)
	if len(steps) != 1 {
		t.Fatalf("expected one step, got %d", len(steps))
	}
	if got, _ := env.Engine.GetProposal(env.Ctx, p.ID); got.Status != domain.ProposalApproved {
		t.Fatalf("proposal %s after retry", got.Status)
	}
}

func TestApproveOpenclawRequiresArgs(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProposal(env.Ctx, engine.ProposalDraft{Title: "Run openclaw sync"})

	_, err := env.Engine.ApproveProposal(env.Ctx, p.ID, engine.ApproveOptions{StepKind: domain.StepKindOpenclaw})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "args" {
		t.Fatalf("expected args validation error, got %v", err)
	}
	if got, _ := env.Engine.GetProposal(env.Ctx, p.ID); got.Status != domain.ProposalPending {
		t.Fatalf("proposal %s after rejected approval", got.Status)
	}
	if n := len(env.Engine.ListMissions(env.Ctx)); n != 0 {
		t.Fatalf("expected no missions, got %d", n)
	}
}
