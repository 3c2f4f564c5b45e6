package appmon

import (
	"context"
	"fmt"
	"sync"
)

// Global agent instance
var (
	globalAgent *Agent
	globalMutex sync.RWMutex
)

// Init creates and starts the global agent
func Init(config Config, store Store) error {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalAgent != nil {
		return fmt.Errorf("appmon is already initialized")
	}
	agent, err := NewAgent(config, store)
	if err != nil {
		return err
	}
	if err := agent.Start(context.Background()); err != nil {
		agent.Stop()
		return err
	}
	globalAgent = agent
	return nil
}

// Default returns the global agent, or nil before Init
func Default() *Agent {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalAgent
}

// Count records one occurrence of event on instance with the global agent
func Count(instance, event string) {
	if a := Default(); a != nil {
		a.Count(instance, event)
	}
}

// CountError records one failed occurrence of event on instance
func CountError(instance, event string) {
	if a := Default(); a != nil {
		a.counters.Counter(instance, event).Error()
	}
}

// RegisterSource binds a live source to target on the global agent
func RegisterSource(target string, src Source) error {
	a := Default()
	if a == nil {
		return fmt.Errorf("appmon is not initialized")
	}
	a.registry.Register(target, src)
	return nil
}

// Shutdown stops the global agent, flushing pending counts
func Shutdown() {
	globalMutex.Lock()
	agent := globalAgent
	globalAgent = nil
	globalMutex.Unlock()

	if agent != nil {
		agent.Stop()
	}
}

// GetStatus returns the current status of the global agent
func GetStatus() map[string]interface{} {
	status := make(map[string]interface{})

	a := Default()
	if a == nil {
		status["initialized"] = false
		status["error"] = "appmon is not initialized"
		return status
	}

	status["initialized"] = true
	status["domain"] = a.config.Domain
	status["subscribers"] = a.sink.Subscribers()
	status["dropped_deliveries"] = a.sink.Dropped()

	instances := make(map[string]interface{}, len(a.order))
	for _, name := range a.order {
		m := a.managers[name]
		instances[name] = map[string]int{
			"active":  m.Active(),
			"pending": m.Pending(),
		}
	}
	status["instances"] = instances

	events := make(map[string]uint64)
	for _, c := range a.counters.All() {
		events[c.Instance()+":"+c.Event()] = c.Total()
	}
	status["events"] = events
	return status
}
