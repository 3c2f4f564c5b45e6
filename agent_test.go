package appmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Domain = "backend1"
	cfg.PollInterval = time.Hour
	cfg.FlushInterval = time.Hour
	cfg.Instances = []InstanceConfig{{
		Name:   "serverA",
		Events: []string{"activity"},
		Signals: []SignalConfig{
			{Name: "heap", Kind: "metric", Target: TargetMemory, Parameters: map[string]any{"field": "used"}},
			{Name: "workers", Kind: "status", Target: TargetRuntime, Parameters: map[string]any{"tracked": "workers,cpus"}},
			{Name: "activity", Kind: "event"},
			{Name: "appX", Kind: "metric", Target: "serverA/appX", Parameters: map[string]any{"field": "sessions"}},
		},
	}}
	return cfg
}

func TestAgentWiresInstances(t *testing.T) {
	store := NewMemoryStore()
	agent, err := NewAgent(testConfig(), store)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	m := agent.Manager("serverA")
	if m == nil {
		t.Fatalf("expected manager for serverA")
	}
	if m.Active() != 3 || m.Pending() != 1 {
		t.Fatalf("expected 3 active and 1 pending readers, got %d and %d", m.Active(), m.Pending())
	}
	agent.Registry().Register("serverA/appX", SourceFunc(func(context.Context) (map[string]any, error) {
		return map[string]any{"sessions": 3}, nil
	}))
	if m.Active() != 4 {
		t.Fatalf("expected late target to activate its reader, got %d active", m.Active())
	}

	sub := agent.Sink().Subscribe(16)
	defer sub.Close()
	if n := m.Poll(context.Background()); n != 4 {
		t.Fatalf("expected every reader to emit on first poll, got %d", n)
	}

	agent.Count("serverA", "activity")
	agent.Count("serverA", "activity")
	agent.Stop()

	total, ok, err := store.GetLast(context.Background(), Key{Domain: "backend1", Instance: "serverA", Event: "activity"})
	if err != nil || !ok || total != 2 {
		t.Fatalf("expected stop to persist 2, got %d (ok=%v, err=%v)", total, ok, err)
	}
}

func TestAgentEventSignalWithoutListedEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Domain = "backend1"
	cfg.PollInterval = time.Hour
	cfg.FlushInterval = time.Hour
	cfg.Instances = []InstanceConfig{{
		Name:    "serverA",
		Signals: []SignalConfig{{Name: "session", Kind: "event"}},
	}}
	agent, err := NewAgent(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agent.Stop()

	m := agent.Manager("serverA")
	if m.Active() != 1 || m.Pending() != 0 {
		t.Fatalf("expected the event reader to be active, got %d active and %d pending", m.Active(), m.Pending())
	}
	sub := agent.Sink().Subscribe(4)
	defer sub.Close()
	m.Poll(context.Background())
	drainNames(sub)

	agent.Count("serverA", "session")
	if n := m.Poll(context.Background()); n != 1 {
		t.Fatalf("expected the counted session to be broadcast, got %d", n)
	}
}

func TestAgentMiddlewareBroadcastsActivity(t *testing.T) {
	agent, err := NewAgent(testConfig(), NewMemoryStore())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	sub := agent.Sink().Subscribe(4)
	defer sub.Close()

	handler := agent.Middleware("serverA", "activity", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders", nil))

	if names := drainNames(sub); len(names) != 1 || names[0] != "activity" {
		t.Fatalf("expected one activity sample, got %v", names)
	}
	if got := agent.Counters().Counter("serverA", "activity").Pending(); got != 1 {
		t.Fatalf("expected the request to be counted, got %d", got)
	}
}

func TestAgentRouterIsTokenGated(t *testing.T) {
	cfg := testConfig()
	cfg.Token.Secret = "s3cret"
	agent, err := NewAgent(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	router := agent.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chart/serverA/activity", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}

	token, err := agent.Issuer().Issue(0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/chart/serverA/activity?granularity=hour", nil)
	req.Header.Set(TokenHeader, token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/refresh/unknown", nil)
	req.Header.Set(TokenHeader, token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instance, got %d", rec.Code)
	}
}

func TestGlobalAgentLifecycle(t *testing.T) {
	Count("serverA", "activity")
	if status := GetStatus(); status["initialized"] != false {
		t.Fatalf("expected uninitialized status, got %v", status)
	}

	store := NewMemoryStore()
	if err := Init(testConfig(), store); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := Init(testConfig(), store); err == nil {
		Shutdown()
		t.Fatalf("expected second init to fail")
	}

	Count("serverA", "activity")
	CountError("serverA", "activity")
	status := GetStatus()
	events := status["events"].(map[string]uint64)
	if events["serverA:activity"] != 1 {
		Shutdown()
		t.Fatalf("expected 1 counted event, got %v", events)
	}
	Shutdown()

	if Default() != nil {
		t.Fatalf("expected no global agent after shutdown")
	}
	total, _, _ := store.GetLast(context.Background(), Key{Domain: "backend1", Instance: "serverA", Event: "activity"})
	if total != 1 {
		t.Fatalf("expected shutdown to persist 1, got %d", total)
	}
}
