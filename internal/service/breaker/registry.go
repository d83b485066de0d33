package breaker

import (
	"sort"
	"sync"
)

// Downstream names protected by the pipeline.
const (
	TranscriptionProvider = "transcription-provider"
	AudioConversion       = "audio-conversion"
)

// Registry hands out one breaker per downstream name so failures in one
// resource never open the breaker of another.
type Registry struct {
	defaults      Config
	onStateChange func(name string, from, to State)

	mu       sync.Mutex
	configs  map[string]Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. defaults applies to names without an
// explicit Configure call; its Name is ignored. onStateChange, when set, is
// installed on every breaker the registry creates.
func NewRegistry(defaults Config, onStateChange func(name string, from, to State)) *Registry {
	return &Registry{
		defaults:      defaults,
		onStateChange: onStateChange,
		configs:       make(map[string]Config),
		breakers:      make(map[string]*Breaker),
	}
}

// Configure sets the config used when the named breaker is first created.
// It has no effect on a breaker that already exists.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.defaults
	}
	cfg.Name = name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.onStateChange
	}

	b := New(cfg)
	r.breakers[name] = b
	return b
}

// Stats returns a snapshot of every breaker, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
