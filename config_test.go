package appmon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleConfig = `
domain: backend1
poll_interval: 2s
token:
  secret: s3cret
instances:
  - name: serverA
    events: [activity, session]
    signals:
      - name: heap
        kind: metric
        target: runtime/memory
        leading: true
        parameters:
          field: used
          format: "{usedKB}/{maxKB}"
      - name: pool
        kind: status
        target: database/postgres
        parameters:
          tracked: [active, idle]
      - name: activity
        kind: event
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appmon.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %s", cfg.PollInterval)
	}
	if cfg.FlushInterval != 5*time.Minute {
		t.Fatalf("expected default flush interval 5m, got %s", cfg.FlushInterval)
	}
	if cfg.Token.TTL != DefaultTokenTTL {
		t.Fatalf("expected default token ttl, got %s", cfg.Token.TTL)
	}
	if cfg.Database.TablePrefix != "appmon_event_count" || cfg.HTTP.Addr != ":8089" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Database, cfg.HTTP)
	}

	inst := cfg.Instances[0]
	if diff := cmp.Diff([]string{"activity", "session"}, inst.Events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	heap, err := inst.Signals[0].Signal()
	if err != nil {
		t.Fatalf("heap signal: %v", err)
	}
	if heap.Kind() != KindMetric || !heap.Leading() || heap.Title() != "heap" {
		t.Fatalf("unexpected heap signal %s", heap)
	}
	if f, _ := heap.StringParam("format"); f != "{usedKB}/{maxKB}" {
		t.Fatalf("unexpected format %q", f)
	}

	pool, err := inst.Signals[1].Signal()
	if err != nil {
		t.Fatalf("pool signal: %v", err)
	}
	if diff := cmp.Diff([]string{"active", "idle"}, pool.ListParam("tracked")); diff != "" {
		t.Fatalf("tracked mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigValidation(t *testing.T) {
	cases := map[string]string{
		"empty domain":       "domain: ''\n",
		"duplicate instance": "domain: d\ninstances: [{name: a}, {name: a}]\n",
		"duplicate signal":   "domain: d\ninstances: [{name: a, signals: [{name: s}, {name: s}]}]\n",
		"unknown kind":       "domain: d\ninstances: [{name: a, signals: [{name: s, kind: gauge}]}]\n",
		"malformed yaml":     "domain: d\ninstances: [\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(raw)); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestSignalParametersAreCopied(t *testing.T) {
	params := map[string]any{"field": "used"}
	sig := NewSignal(KindMetric, "heap", "", "runtime/memory", params, false)
	params["field"] = "max"

	if f, _ := sig.StringParam("field"); f != "used" {
		t.Fatalf("expected signal to keep its own parameters, got %q", f)
	}
	copied := sig.Parameters()
	copied["field"] = "other"
	if f, _ := sig.StringParam("field"); f != "used" {
		t.Fatalf("expected Parameters to return a copy, got %q", f)
	}
	if got := NewSignal(KindStatus, "s", "", "t", map[string]any{"tracked": "a, b,,c"}, false).ListParam("tracked"); len(got) != 3 {
		t.Fatalf("expected 3 tracked fields from comma list, got %v", got)
	}
}
