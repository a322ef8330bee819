package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/events"
	"opsline/internal/store"
	"opsline/internal/supervisor"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureAll(); err != nil {
		t.Fatalf("ensure store: %v", err)
	}
	return engine.New(st, events.NewWriter(st, nil, zerolog.Nop()))
}

func newTestServer(t *testing.T, status func() supervisor.Status) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t)
	handler, err := New(Config{Engine: e, BasePath: "/v0", WorkerStatus: status})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	env := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	return env.Error.Code
}

func TestProposalApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":   "Rotate logs",
		"project": "infra",
	}, map[string]string{"X-Ops-Actor": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
	}
	created := decode[domain.Proposal](t, data)
	if created.Status != domain.ProposalPending || created.Source != domain.SourceAPI {
		t.Fatalf("unexpected proposal %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/approve", map[string]any{
		"stepTitle": "rotate now",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	approved := decode[ApproveResponse](t, data)
	if !approved.Applied || approved.Mission == nil || approved.Step == nil {
		t.Fatalf("expected applied approval with mission and step: %s", string(data))
	}
	if approved.Step.Title != "rotate now" || approved.Step.Kind != domain.StepKindNote {
		t.Fatalf("unexpected step %+v", approved.Step)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second approve status %d: %s", res.StatusCode, string(data))
	}
	again := decode[ApproveResponse](t, data)
	if again.Applied || again.Mission != nil {
		t.Fatalf("second approve should be a no-op: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/"+approved.Mission.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get mission status %d: %s", res.StatusCode, string(data))
	}
	detail := decode[MissionDetail](t, data)
	if len(detail.Steps) != 1 || detail.Steps[0].Status != domain.StepQueued {
		t.Fatalf("unexpected steps %+v", detail.Steps)
	}
	kinds := make([]domain.EventKind, 0, len(detail.Timeline))
	for _, e := range detail.Timeline {
		kinds = append(kinds, e.Kind)
	}
	want := []domain.EventKind{domain.EventProposalApproved, domain.EventMissionCreated, domain.EventStepQueued}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] || kinds[2] != want[2] {
		t.Fatalf("unexpected timeline %v", kinds)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?proposalId="+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	evs := decode[EventList](t, data)
	if len(evs.Items) != 4 {
		t.Fatalf("expected 4 proposal events, got %d: %s", len(evs.Items), string(data))
	}
	if evs.Items[0].Kind != domain.EventProposalCreated || evs.Items[0].Actor != "alice" {
		t.Fatalf("unexpected first event %+v", evs.Items[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?status=approved", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list proposals status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[ProposalList](t, data); len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected approved list %s", string(data))
	}
}

func TestRejectProposal(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{"title": "Prune caches"}, nil)
	created := decode[domain.Proposal](t, data)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/reject", map[string]any{"reason": "not now"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	rejected := decode[RejectResponse](t, data)
	if !rejected.Applied || rejected.Proposal.Status != domain.ProposalRejected || rejected.Proposal.RejectReason != "not now" {
		t.Fatalf("unexpected reject response %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve after reject status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[ApproveResponse](t, data); got.Applied || got.Proposal.Status != domain.ProposalRejected {
		t.Fatalf("approve after reject must not apply: %s", string(data))
	}
}

func TestAutopostPolicyRejectsPostLikeProposal(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/policies", map[string]any{
		"x_autopost": map[string]any{"enabled": false, "note": "ops team"},
		"slack":      map[string]any{"channel": "#ops"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put policies status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/policies", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get policies status %d: %s", res.StatusCode, string(data))
	}
	doc := decode[map[string]any](t, data)
	if _, ok := doc["slack"]; !ok {
		t.Fatalf("unknown policy keys must survive: %s", string(data))
	}
	if toggle, _ := doc["x_autopost"].(map[string]any); toggle["note"] != "ops team" {
		t.Fatalf("nested policy fields must survive: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title": "Tweet the release notes",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	p := decode[domain.Proposal](t, data)
	if p.Status != domain.ProposalRejected || p.Gate.OK || p.Gate.Reason != "x_autopost disabled" {
		t.Fatalf("expected gate rejection, got %+v", p)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{"title": "   "}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("expected validation_failed, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?kind=bogus", nil, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected bad_request, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/missing/approve", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 approving unknown proposal, got %d %s", res.StatusCode, string(data))
	}
}

func TestAddStepToClosedMissionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	p, err := srv.Engine.CreateProposal(ctx, engine.ProposalDraft{Title: "Deploy"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	approved, err := srv.Engine.ApproveProposal(ctx, p.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	missionID := approved.Mission.ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+missionID+"/steps", map[string]any{
		"title": "follow up",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add step status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+missionID+"/steps", map[string]any{
		"title": "run it",
		"kind":  "openclaw",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("openclaw step without args: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/steps?missionId="+missionID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list steps status %d: %s", res.StatusCode, string(data))
	}
	steps := decode[StepList](t, data)
	if len(steps.Items) != 2 {
		t.Fatalf("expected 2 steps, got %s", string(data))
	}
	done := time.Now().UTC()
	for _, s := range steps.Items {
		s.Status = domain.StepSucceeded
		s.CompletedAt = &done
		if err := srv.Engine.Repo.InsertStep(ctx, s); err != nil {
			t.Fatalf("finish step: %v", err)
		}
	}
	m, changed, err := srv.Engine.SettleMission(ctx, missionID)
	if err != nil || !changed || m.Status != domain.MissionSucceeded {
		t.Fatalf("settle: %+v %v %v", m, changed, err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+missionID+"/steps", map[string]any{
		"title": "too late",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
}

func TestWorkerStatusAndDocs(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv, cleanup := newTestServer(t, func() supervisor.Status {
		return supervisor.Status{State: supervisor.StateRunning, PID: 42, StartedAt: &started}
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/worker", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("worker status %d: %s", res.StatusCode, string(data))
	}
	st := decode[supervisor.Status](t, data)
	if st.State != supervisor.StateRunning || st.PID != 42 {
		t.Fatalf("unexpected worker status %+v", st)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	spec := decode[map[string]any](t, data)
	paths, _ := spec["paths"].(map[string]any)
	if _, ok := paths["/v0/proposals/{id}/approve"]; !ok {
		t.Fatalf("openapi missing approve path")
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}
