package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	"github.com/acme/outbound-batch-dialer/internal/scheduler"
	callsvc "github.com/acme/outbound-batch-dialer/internal/service/call"
	campaignsvc "github.com/acme/outbound-batch-dialer/internal/service/campaign"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

const campID = "6f1c2a52-8d0e-4a8b-9d7a-2a8f3f1b9c11"

type fakeSchedulers struct {
	running map[string]scheduler.Snapshot
	patch   domain.SettingsPatch
	stopped map[string]bool
}

func newFakeSchedulers() *fakeSchedulers {
	return &fakeSchedulers{running: map[string]scheduler.Snapshot{}, stopped: map[string]bool{}}
}

func (f *fakeSchedulers) Start(_ context.Context, id string) (scheduler.Result, error) {
	if id == "00000000-0000-0000-0000-000000000000" {
		return scheduler.Result{}, errors.New("store down")
	}
	if _, ok := f.running[id]; ok {
		return scheduler.Result{Outcome: scheduler.OutcomeAlreadyRunning, Snapshot: f.running[id]}, nil
	}
	snap := scheduler.Snapshot{CampaignID: id, Status: domain.RunStatusRunning, Settings: domain.Settings{BatchSize: 5, MaxConcurrentCalls: 2}}
	f.running[id] = snap
	return scheduler.Result{Outcome: scheduler.OutcomeStarted, Snapshot: snap}, nil
}

func (f *fakeSchedulers) Pause(_ context.Context, id string) scheduler.Result {
	if _, ok := f.running[id]; !ok {
		return scheduler.Result{Outcome: scheduler.OutcomeNotFound, Snapshot: scheduler.Snapshot{CampaignID: id}}
	}
	return scheduler.Result{Outcome: scheduler.OutcomePaused, Snapshot: f.running[id]}
}

func (f *fakeSchedulers) Resume(_ context.Context, id string) scheduler.Result {
	return scheduler.Result{Outcome: scheduler.OutcomeNotPaused, Snapshot: f.running[id]}
}

func (f *fakeSchedulers) Stop(_ context.Context, id string, markComplete bool) scheduler.Result {
	f.stopped[id] = markComplete
	return scheduler.Result{Outcome: scheduler.OutcomeStopped, Snapshot: scheduler.Snapshot{CampaignID: id, Status: domain.RunStatusCompleted}}
}

func (f *fakeSchedulers) Status(id string) (scheduler.Snapshot, bool) {
	snap, ok := f.running[id]
	return snap, ok
}

func (f *fakeSchedulers) UpdateSettings(_ context.Context, id string, patch domain.SettingsPatch) (domain.Settings, error) {
	snap, ok := f.running[id]
	if !ok {
		return domain.Settings{}, apperrors.ErrNotFound
	}
	f.patch = patch
	return patch.Apply(snap.Settings)
}

func (f *fakeSchedulers) ListAll() []scheduler.Summary {
	out := []scheduler.Summary{}
	for id, snap := range f.running {
		out = append(out, scheduler.Summary{CampaignID: id, Status: snap.Status})
	}
	return out
}

func (f *fakeSchedulers) Evict(id string) error {
	if _, ok := f.running[id]; ok {
		return apperrors.ErrConflict
	}
	return apperrors.ErrNotFound
}

type fakeCampaigns struct {
	created campaignsvc.CreateCampaignInput
}

func (f *fakeCampaigns) Create(_ context.Context, input campaignsvc.CreateCampaignInput) (*domain.Campaign, error) {
	f.created = input
	if input.Name == "" {
		return nil, apperrors.ErrValidation
	}
	settings, err := input.Settings.Apply(domain.Settings{BatchSize: 10, BatchDelay: 30 * time.Second, CallDelay: time.Second, MaxConcurrentCalls: 2})
	if err != nil {
		return nil, err
	}
	return &domain.Campaign{ID: campID, Name: input.Name, Status: domain.CampaignStatusPending, Settings: settings}, nil
}

func (f *fakeCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	if id != campID {
		return nil, repository.ErrNotFound
	}
	return &domain.Campaign{ID: id, Name: "demo", Status: domain.CampaignStatusPending}, nil
}

func (f *fakeCampaigns) List(context.Context, string, int) ([]*domain.Campaign, error) {
	return []*domain.Campaign{{ID: campID, Name: "demo"}}, nil
}

func (f *fakeCampaigns) AddContacts(context.Context, string, []campaignsvc.ContactInput) error {
	return nil
}

func (f *fakeCampaigns) ListContacts(context.Context, string, int, string) ([]repository.ContactRecord, error) {
	return nil, nil
}

func (f *fakeCampaigns) Stats(context.Context, string) (*domain.CallStats, error) {
	return &domain.CallStats{Dialed: 3, Completed: 2, Machine: 1}, nil
}

type fakeCalls struct{}

func (fakeCalls) TriggerCall(context.Context, callsvc.TriggerCallInput) (scheduler.DispatchResult, error) {
	return scheduler.DispatchResult{CallID: "call-1", ProviderRef: "mock-call-1"}, nil
}

func (fakeCalls) HangUp(context.Context, string) error { return nil }

func (fakeCalls) GetCall(_ context.Context, id string) (*domain.Call, error) {
	switch id {
	case "call-1":
		return &domain.Call{ID: id, CampaignID: campID, Status: domain.CallStatusRinging}, nil
	case "call-done":
		return &domain.Call{ID: id, CampaignID: campID, Status: domain.CallStatusCompleted}, nil
	}
	return nil, apperrors.ErrNotFound
}

func (fakeCalls) History(context.Context, string, int) ([]domain.CallEvent, error) {
	return []domain.CallEvent{{CallID: "call-1", Kind: "initiated", Payload: []byte(`{"phone_number":"+15551234567"}`)}}, nil
}

func (fakeCalls) ListCallsByCampaign(context.Context, string, int, string) (*callsvc.ListCallsByCampaignResult, error) {
	return &callsvc.ListCallsByCampaignResult{Calls: []domain.Call{{ID: "call-1"}}, NextCursor: "abc"}, nil
}

type testServer struct {
	app        *fiber.App
	schedulers *fakeSchedulers
	campaigns  *fakeCampaigns
	bus        *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	bus := events.NewBus(nil)
	ts := &testServer{schedulers: newFakeSchedulers(), campaigns: &fakeCampaigns{}, bus: bus}
	h := NewHandlerSet(Deps{
		Schedulers: ts.schedulers,
		Campaigns:  ts.campaigns,
		Calls:      fakeCalls{},
		Events:     bus,
		Webhook:    events.NewIngestor(bus, nil),
		Health: map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
		},
		StreamBuffer: 8,
	})
	ts.app = fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(ts.app)
	t.Cleanup(h.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.app.Test(req, 2000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestControlEndpointsReturnOutcomes(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+campID+"/start", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "started", body["status"])

	code, body = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+campID+"/start", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_running", body["status"])

	code, body = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+campID+"/pause", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", body["status"])

	code, body = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+campID+"/stop?complete=true", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["status"])
	assert.True(t, ts.schedulers.stopped[campID])
}

func TestControlUnknownCampaignIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+campID+"/pause", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["status"])

	code, _ = ts.do(t, http.MethodGet, "/api/v1/campaigns/"+campID+"/status", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestControlRejectsMalformedIDs(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/v1/campaigns/not-a-uuid/start", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid campaign id", body["error"])
}

func TestStartStoreFailureIsInternalError(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/v1/campaigns/00000000-0000-0000-0000-000000000000/start", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, "trace_id")
}

func TestUpdateSettingsEchoesEffectiveSettings(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/campaigns/"+campID+"/start", "")

	code, body := ts.do(t, http.MethodPatch, "/api/v1/campaigns/"+campID+"/settings", `{"batch_size":10,"call_delay":"250ms"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(10), body["batch_size"])
	assert.Equal(t, "250ms", body["call_delay"])
	assert.Equal(t, float64(2), body["max_concurrent_calls"])

	code, _ = ts.do(t, http.MethodPatch, "/api/v1/campaigns/"+campID+"/settings", `{"batch_size":0}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPatch, "/api/v1/campaigns/"+campID+"/settings", `{"batch_delay":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEvictRunningSchedulerConflicts(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, http.MethodDelete, "/api/v1/campaigns/"+campID+"/scheduler", "")
	assert.Equal(t, http.StatusNotFound, code)

	ts.do(t, http.MethodPost, "/api/v1/campaigns/"+campID+"/start", "")
	code, _ = ts.do(t, http.MethodDelete, "/api/v1/campaigns/"+campID+"/scheduler", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestCreateCampaignParsesSettings(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/v1/campaigns", `{
		"name": "demo",
		"settings": {"batch_size": 4, "batch_delay": "2s"},
		"contacts": [{"phone_number": "+15551234567", "attributes": {"first_name": "Ada"}}]
	}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, campID, body["id"])
	require.NotNil(t, ts.campaigns.created.Settings.BatchSize)
	assert.Equal(t, 4, *ts.campaigns.created.Settings.BatchSize)
	require.NotNil(t, ts.campaigns.created.Settings.BatchDelay)
	assert.Equal(t, 2*time.Second, *ts.campaigns.created.Settings.BatchDelay)
	assert.Nil(t, ts.campaigns.created.Settings.CallDelay)
	require.Len(t, ts.campaigns.created.Contacts, 1)
	assert.Equal(t, "Ada", ts.campaigns.created.Contacts[0].Attributes["first_name"])

	code, _ = ts.do(t, http.MethodPost, "/api/v1/campaigns", `{"name": ""}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateCampaignKeepsZeroDelays(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/v1/campaigns", `{
		"name": "burst",
		"settings": {"batch_delay": "0s", "call_delay": "0s"}
	}`)
	require.Equal(t, http.StatusCreated, code)
	settings, ok := body["settings"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0s", settings["batch_delay"])
	assert.Equal(t, "0s", settings["call_delay"])
}

func TestCampaignStats(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/v1/campaigns/"+campID+"/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["dialed"])
	assert.Equal(t, float64(1), body["machine"])
}

func TestCallEndpoints(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/v1/calls/call-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ringing", body["status"])

	code, _ = ts.do(t, http.MethodGet, "/api/v1/calls/other", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = ts.do(t, http.MethodGet, "/api/v1/calls/call-1/history", "")
	require.Equal(t, http.StatusOK, code)
	history := body["events"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "initiated", history[0].(map[string]any)["kind"])

	code, body = ts.do(t, http.MethodGet, "/api/v1/campaigns/"+campID+"/calls", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "abc", body["next_page_token"])
}

func TestTelephonyWebhookPublishesOnBus(t *testing.T) {
	ts := newTestServer(t)
	var kinds []events.Kind
	ts.bus.Subscribe("call-7", events.AnyKind, func(e events.Event) { kinds = append(kinds, e.Kind) })

	code, _ := ts.do(t, http.MethodPost, "/api/v1/telephony/events", `{"call_id":"call-7","status":"in-progress","answered_by":"human","direction":"outbound"}`)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, []events.Kind{events.KindAMD, events.KindAnswered}, kinds)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/telephony/events", `{"call_id":"call-7","status":"exploded"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCallStreamEndsAfterTerminalEvent(t *testing.T) {
	ts := newTestServer(t)

	go func() {
		deadline := time.Now().Add(time.Second)
		for ts.bus.Stats().TotalCalls == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		ts.bus.Publish("call-9", events.KindRinging, nil)
		ts.bus.Publish("call-9", events.KindCompleted, nil)
	}()

	resp, err := ts.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/calls/call-9/events", nil), 3000)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event: ringing\n")
	assert.Contains(t, body, "event: completed\n")
	assert.Less(t, strings.Index(body, "ringing"), strings.Index(body, "completed"))
	assert.Zero(t, ts.bus.Stats().TotalCalls)
}

func TestCallStreamRejectsEndedCall(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/v1/calls/call-done/events", "")
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, "call already ended", body["error"])
	assert.Zero(t, ts.bus.Stats().TotalCalls)
}

func TestCallStreamClosesWhenIdle(t *testing.T) {
	bus := events.NewBus(nil)
	h := NewHandlerSet(Deps{
		Calls:             fakeCalls{},
		Events:            bus,
		StreamIdleTimeout: 50 * time.Millisecond,
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	t.Cleanup(h.Close)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/calls/call-unknown/events", nil), 3000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), ": idle timeout")
	assert.Eventually(t, func() bool { return bus.Stats().TotalCalls == 0 }, time.Second, 5*time.Millisecond)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	bus := events.NewBus(nil)
	h := NewHandlerSet(Deps{
		Events: bus,
		Health: map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		},
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["errors"].(map[string]any)["redis"])
}
