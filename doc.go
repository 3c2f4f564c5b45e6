// Package appmon provides an in-process application monitoring engine: it
// samples live signals from a running application, pushes changed samples to
// dashboard clients through a broadcast sink, and persists discrete event
// counts into a time-bucketed store for historical charts.
//
// Design goals:
//   - Lock-free event counting on the request path
//   - Change detection per signal so idle signals produce no traffic
//   - One bad signal never stalls its siblings
//   - Hour and day rollups on write, month and year folded on read
//
// Basic usage:
//
//	config := appmon.DefaultConfig()
//	config.Domain = "backend1"
//	config.Instances = []appmon.InstanceConfig{{
//	  Name:   "app",
//	  Events: []string{"activity", "session"},
//	  Signals: []appmon.SignalConfig{{
//	    Name: "heap", Kind: "metric", Target: "runtime/memory",
//	    Parameters: map[string]any{"field": "used", "format": "{usedKB}/{maxKB}"},
//	  }},
//	}}
//
//	if err := appmon.Init(config, appmon.NewMemoryStore()); err != nil {
//	  log.Fatal(err)
//	}
//	defer appmon.Shutdown()
//
//	appmon.Count("app", "activity")
package appmon
