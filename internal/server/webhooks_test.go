package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/engine"
)

type delivery struct {
	kind, id, secret string
	event            domain.Event
}

type hookSink struct {
	mu     sync.Mutex
	got    []delivery
	status int
}

func (s *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 && s.status != http.StatusOK {
		w.WriteHeader(s.status)
		return
	}
	var evt domain.Event
	_ = json.Unmarshal(body, &evt)
	s.got = append(s.got, delivery{
		kind:   r.Header.Get("X-Ops-Event"),
		id:     r.Header.Get("X-Ops-Delivery"),
		secret: r.Header.Get("X-Ops-Secret"),
		event:  evt,
	})
}

func (s *hookSink) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got...)
}

func (s *hookSink) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	sink := &hookSink{}
	ts := httptest.NewServer(sink)
	defer ts.Close()

	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateProposal(ctx, engine.ProposalDraft{Title: "before startup"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := newWebhookDispatcher(e, []config.WebhookConfig{{
		URL:    ts.URL,
		Secret: "s3cret",
		Events: []string{"proposal.approved", "mission.created"},
	}}, zerolog.Nop())
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	d.dispatchAll(ctx)
	if n := len(sink.deliveries()); n != 0 {
		t.Fatalf("events before startup must not be delivered, got %d", n)
	}

	p, err := e.CreateProposal(ctx, engine.ProposalDraft{Title: "after startup"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.ApproveProposal(ctx, p.ID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	d.dispatchAll(ctx)

	got := sink.deliveries()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].kind != "proposal.approved" || got[1].kind != "mission.created" {
		t.Fatalf("unexpected kinds %q %q", got[0].kind, got[1].kind)
	}
	if got[0].secret != "s3cret" || got[0].id != got[0].event.ID || got[0].event.ProposalID != p.ID {
		t.Fatalf("unexpected delivery %+v", got[0])
	}

	d.dispatchAll(ctx)
	if n := len(sink.deliveries()); n != 2 {
		t.Fatalf("events must be delivered once, got %d", n)
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	sink := &hookSink{status: http.StatusBadGateway}
	ts := httptest.NewServer(sink)
	defer ts.Close()

	e := newTestEngine(t)
	ctx := context.Background()
	d := newWebhookDispatcher(e, []config.WebhookConfig{{URL: ts.URL}}, zerolog.Nop())
	d.dispatchAll(ctx)

	if _, err := e.CreateProposal(ctx, engine.ProposalDraft{Title: "retry me"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	d.dispatchAll(ctx)
	if n := len(sink.deliveries()); n != 0 {
		t.Fatalf("failed delivery recorded %d events", n)
	}

	sink.setStatus(http.StatusOK)
	d.dispatchAll(ctx)
	got := sink.deliveries()
	if len(got) != 1 || got[0].kind != string(domain.EventProposalCreated) {
		t.Fatalf("expected redelivery of proposal.created, got %+v", got)
	}
}

func TestWebhookDispatcherSkipsDisabledHooks(t *testing.T) {
	off := false
	d := newWebhookDispatcher(newTestEngine(t), []config.WebhookConfig{
		{URL: "http://127.0.0.1:1", Enabled: &off},
		{URL: "  "},
	}, zerolog.Nop())
	if d != nil {
		t.Fatalf("expected no dispatcher when every hook is disabled")
	}
}
