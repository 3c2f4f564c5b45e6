package appmon

import (
	"fmt"
	"sync"
)

// Registry resolves live sources by target name, e.g. "serverId/deploymentId".
// Subscribers are told about every registration so readers that could not
// bind earlier can retry.
type Registry struct {
	mutex       sync.RWMutex
	sources     map[string]Source
	subscribers map[int]func(target string)
	nextID      int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[string]Source),
		subscribers: make(map[int]func(string)),
	}
}

// Register binds target to src and notifies subscribers
func (r *Registry) Register(target string, src Source) {
	r.mutex.Lock()
	r.sources[target] = src
	subs := make([]func(string), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mutex.Unlock()

	for _, fn := range subs {
		fn(target)
	}
}

// Unregister removes target. Readers already bound keep their handle.
func (r *Registry) Unregister(target string) {
	r.mutex.Lock()
	delete(r.sources, target)
	r.mutex.Unlock()
}

// Resolve returns the source bound to target or ErrSourceUnavailable
func (r *Registry) Resolve(target string) (Source, error) {
	r.mutex.RLock()
	src, ok := r.sources[target]
	r.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: target %q is not registered", ErrSourceUnavailable, target)
	}
	return src, nil
}

// Subscribe calls fn after every registration. The returned function cancels
// the subscription.
func (r *Registry) Subscribe(fn func(target string)) (cancel func()) {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers[id] = fn
	r.mutex.Unlock()

	return func() {
		r.mutex.Lock()
		delete(r.subscribers, id)
		r.mutex.Unlock()
	}
}
