package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-gateway/internal/models"
	"github.com/user/llm-gateway/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ModelLister queries an upstream's model inventory; satisfied by
// *upstream.Client.
type ModelLister interface {
	ListModels(ctx context.Context, up *models.UpstreamConfig) ([]string, error)
}

// ModelsHandler serves GET /v1/models: the union of every enabled
// upstream's models in the OpenAI list shape.
type ModelsHandler struct {
	registry *registry.Registry
	lister   ModelLister
	logger   *zap.Logger
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(reg *registry.Registry, lister ModelLister, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{registry: reg, lister: lister, logger: logger}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// List aggregates models across upstreams concurrently. An upstream
// that fails discovery contributes its configured list; a model served
// by several upstreams appears once, attributed to the highest
// priority one.
func (h *ModelsHandler) List(c *gin.Context) {
	type owned struct {
		owner    string
		priority int
	}
	var mu sync.Mutex
	seen := make(map[string]owned)

	g, ctx := errgroup.WithContext(c.Request.Context())
	for _, up := range h.registry.All() {
		if !up.Enabled {
			continue
		}
		up := up
		g.Go(func() error {
			ids, err := h.lister.ListModels(ctx, up)
			if err != nil {
				h.logger.Warn("model discovery failed, using configured list",
					zap.String("upstream", up.Name), zap.Error(err))
				ids = up.Models
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if cur, ok := seen[id]; ok && cur.priority <= up.Priority {
					continue
				}
				seen[id] = owned{owner: up.Name, priority: up.Priority}
			}
			return nil
		})
	}
	g.Wait()

	data := make([]modelEntry, 0, len(seen))
	for id, o := range seen {
		data = append(data, modelEntry{ID: id, Object: "model", OwnedBy: o.owner})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}
