package provider

import (
	"errors"
	"fmt"
)

// DefaultOutputCeiling caps output tokens for models without an override.
const DefaultOutputCeiling = 8192

var ErrModelUnknown = errors.New("model not available")

// Registry maps model identifiers to the upstream serving them. Model ids
// are an externally defined catalog: opaque, case sensitive, validated only
// for membership.
type Registry struct {
	byModel  map[string]Upstream
	ceilings map[string]int
}

func NewRegistry(upstreams []Upstream) *Registry {
	r := &Registry{
		byModel:  make(map[string]Upstream),
		ceilings: make(map[string]int),
	}
	for _, u := range upstreams {
		for _, m := range u.SupportedModels() {
			r.byModel[m] = u
		}
	}
	return r
}

// SetOutputCeiling records a per-model output-token override.
func (r *Registry) SetOutputCeiling(model string, ceiling int) {
	r.ceilings[model] = ceiling
}

func (r *Registry) Lookup(model string) (Upstream, error) {
	u, ok := r.byModel[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelUnknown, model)
	}
	return u, nil
}

func (r *Registry) OutputCeiling(model string) int {
	if c, ok := r.ceilings[model]; ok {
		return c
	}
	return DefaultOutputCeiling
}

// Models lists every model in the catalog.
func (r *Registry) Models() []string {
	models := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		models = append(models, m)
	}
	return models
}
