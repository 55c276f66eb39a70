package registry

import (
	"fmt"
	"sort"
	"sync/atomic"

	"ragserver/internal/config"
	"ragserver/internal/domain"
)

// Configuration is an immutable view of one registry entry plus the global
// model table it resolves prompt models against. In-flight requests keep
// the snapshot they resolved at entry, so a concurrent Reload never tears
// a configuration mid-request.
type Configuration struct {
	Name          string
	DataDirectory string
	VectorDB      config.VectorDBSettings
	Pipeline      config.PipelineDefinition
	Models        map[string]config.ModelConfig
}

type snapshot struct {
	configs map[string]*Configuration
	names   []string
}

// Registry maps logical model names to configurations. Reads are lock-free;
// Reload swaps the whole snapshot atomically.
type Registry struct {
	current atomic.Pointer[snapshot]
}

func New(cfg *config.Config) *Registry {
	r := &Registry{}
	r.Reload(cfg)
	return r
}

// Reload replaces the registry contents wholesale from a validated config.
func (r *Registry) Reload(cfg *config.Config) {
	snap := &snapshot{configs: make(map[string]*Configuration, len(cfg.Configurations))}
	for name, entry := range cfg.Configurations {
		snap.configs[name] = &Configuration{
			Name:          name,
			DataDirectory: entry.DataDirectory,
			VectorDB:      entry.VectorDB,
			Pipeline:      entry.Pipeline,
			Models:        cfg.Models,
		}
		snap.names = append(snap.names, name)
	}
	sort.Strings(snap.names)
	r.current.Store(snap)
}

// Resolve looks up a configuration by exact name.
func (r *Registry) Resolve(name string) (*Configuration, error) {
	snap := r.current.Load()
	c, ok := snap.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrConfigurationNotFound, name)
	}
	return c, nil
}

// Names lists the available configuration names in sorted order.
func (r *Registry) Names() []string {
	return r.current.Load().names
}

// All returns every configuration in the current snapshot, in name order.
func (r *Registry) All() []*Configuration {
	snap := r.current.Load()
	out := make([]*Configuration, 0, len(snap.names))
	for _, name := range snap.names {
		out = append(out, snap.configs[name])
	}
	return out
}
