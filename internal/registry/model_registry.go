// Package registry maintains the table of models reported by the browser
// agent. The agent replaces the whole table with each model_registry frame;
// the model type is inferred from the reported output capabilities.
package registry

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Model types derived from the agent-reported output capabilities.
const (
	TypeChat  = "chat"
	TypeImage = "image"
	TypeVideo = "video"
)

// Model describes one entry of the registry.
type Model struct {
	// Name is the public model name clients use in requests.
	Name string `json:"name"`
	// ID is the internal model identifier carried into evaluation payloads.
	ID string `json:"id"`
	// Type is one of chat, image or video.
	Type string `json:"type"`
	// Raw is the full descriptor as reported by the agent.
	Raw string `json:"-"`
}

// ModelRegistry is the thread-safe name→descriptor table.
type ModelRegistry struct {
	mu      sync.RWMutex
	models  map[string]Model
	updated time.Time
}

// NewModelRegistry returns an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]Model)}
}

// Update replaces the registry with the models object from a model_registry
// frame. An empty or non-object payload is ignored, keeping the previous
// table in place.
func (r *ModelRegistry) Update(modelsJSON string) int {
	parsed := gjson.Parse(modelsJSON)
	if !parsed.IsObject() {
		log.Warnf("registry: ignoring invalid model data: %s", modelsJSON)
		return -1
	}

	next := make(map[string]Model)
	parsed.ForEach(func(name, info gjson.Result) bool {
		if !info.IsObject() {
			return true
		}
		m := Model{
			Name: name.String(),
			ID:   name.String(),
			Type: deriveType(info),
			Raw:  info.Raw,
		}
		if id := info.Get("id"); id.Exists() {
			m.ID = id.String()
		}
		next[m.Name] = m
		return true
	})

	if len(next) == 0 {
		log.Warn("registry: ignoring empty model registry update")
		return -1
	}

	r.mu.Lock()
	r.models = next
	r.updated = time.Now()
	r.mu.Unlock()

	log.Infof("registry: updated model registry with %d models", len(next))
	return len(next)
}

// deriveType maps output capabilities to a model type: image wins over
// video, everything else is chat.
func deriveType(info gjson.Result) string {
	caps := info.Get("capabilities.outputCapabilities")
	if caps.IsObject() {
		if caps.Get("image").Exists() {
			return TypeImage
		}
		if caps.Get("video").Exists() {
			return TypeVideo
		}
	}
	return TypeChat
}

// Get looks up a model by its public name.
func (r *ModelRegistry) Get(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// List returns all registered models sorted by name.
func (r *ModelRegistry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered model names sorted.
func (r *ModelRegistry) Names() []string {
	models := r.List()
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	return names
}

// Count reports the number of registered models.
func (r *ModelRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
