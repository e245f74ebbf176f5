package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/valuerank/valuerank/pkg/llm"
	"github.com/valuerank/valuerank/pkg/store"
)

// ModelSource resolves model registry entries.
type ModelSource interface {
	GetModel(ctx context.Context, id string) (*store.Model, error)
}

// Router maps model ids to the provider queue their jobs drain
// through. Lookups hit the registry once per model and are cached for
// the router's lifetime, so create one router per enqueue or recovery
// operation. Not safe for concurrent use.
type Router struct {
	models ModelSource
	cache  map[string]string
}

// NewRouter creates a router with an empty cache.
func NewRouter(models ModelSource) *Router {
	return &Router{
		models: models,
		cache:  make(map[string]string),
	}
}

// QueueFor returns the provider queue name for a model. Models absent
// from the registry route by name inference, so jobs for a model that
// was retired after its run was created still land somewhere a worker
// drains.
func (r *Router) QueueFor(
	ctx context.Context, modelID string,
) (string, error) {
	if queue, ok := r.cache[modelID]; ok {
		return queue, nil
	}

	model, err := r.models.GetModel(ctx, modelID)

	var queue string

	switch {
	case err == nil && model.Provider != "":
		queue = model.Provider
	case err == nil || errors.Is(err, store.ErrNotFound):
		queue = llm.InferProvider(modelID)
	default:
		return "", fmt.Errorf("resolving provider for %s: %w", modelID, err)
	}

	r.cache[modelID] = queue

	return queue, nil
}
