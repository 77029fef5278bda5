package api

import (
	"fmt"
	"net/http"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	engine  Engine
	configs ConfigStore
	flags   FlagStore
}

type handleFunc func(*gin.Context) (any, error)

// handle runs fn and writes its response with code, or the mapped error.
func handle(c *gin.Context, code int, fn handleFunc) {
	response, err := fn(c)
	if err != nil {
		abortWithApiError(c, err)
		return
	}
	if response == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(code, response)
}

func bind(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

type DeployRequest struct {
	ConfigID string `json:"configId" binding:"required"`
}

type RollbackRequest struct {
	Reason string `json:"reason"`
}

type TrafficRequest struct {
	Targets []traffic.Target `json:"targets" binding:"required,min=1"`
}

type TrafficResponse struct {
	TrafficSplit map[string]int `json:"trafficSplit"`
}

type ControlResponse struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
}

type EvaluateRequest struct {
	UserID  string                  `json:"userId" binding:"required"`
	Context model.EvaluationContext `json:"context"`
}

type EvaluateResponse struct {
	Key     string `json:"key"`
	UserID  string `json:"userId"`
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
}

type ListResponse[T any] struct {
	TotalCount int `json:"totalCount"`
	Items      []T `json:"items"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{TotalCount: len(items), Items: items}
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateConfig(c *gin.Context) {
	handle(c, http.StatusCreated, func(c *gin.Context) (any, error) {
		var cfg model.DeploymentConfig
		if err := bind(c, &cfg); err != nil {
			return nil, err
		}
		return h.configs.Create(c.Request.Context(), cfg)
	})
}

func (h *Handler) ListConfigs(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		return newList(h.configs.List()), nil
	})
}

func (h *Handler) GetConfig(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		return h.configs.Get(c.Param("id"))
	})
}

func (h *Handler) Deploy(c *gin.Context) {
	handle(c, http.StatusAccepted, func(c *gin.Context) (any, error) {
		var req DeployRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		return h.engine.Deploy(c.Request.Context(), req.ConfigID)
	})
}

// ListDeployments accepts an optional ?status= filter.
func (h *Handler) ListDeployments(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		all := h.engine.List()
		status := model.DeploymentStatus(c.Query("status"))
		if status == "" {
			return newList(all), nil
		}
		var out []model.Deployment
		for _, d := range all {
			if d.Status == status {
				out = append(out, d)
			}
		}
		return newList(out), nil
	})
}

func (h *Handler) ListActiveDeployments(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		return newList(h.engine.Active()), nil
	})
}

func (h *Handler) GetDeployment(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		return h.engine.Get(c.Param("id"))
	})
}

func (h *Handler) PauseDeployment(c *gin.Context) {
	h.control(c, h.engine.Pause)
}

func (h *Handler) ResumeDeployment(c *gin.Context) {
	h.control(c, h.engine.Resume)
}

func (h *Handler) CancelDeployment(c *gin.Context) {
	h.control(c, h.engine.Cancel)
}

// control answers 200 when the transition applied and 409 when the
// deployment was not in a state that allows it.
func (h *Handler) control(c *gin.Context, fn func(id string) (bool, error)) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		id := c.Param("id")
		applied, err := fn(id)
		if err != nil {
			return nil, err
		}
		if !applied {
			d, err := h.engine.Get(id)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: deployment %s is %s", model.ErrInvalidState, id, d.Status)
		}
		return ControlResponse{ID: id, Applied: true}, nil
	})
}

func (h *Handler) RollbackDeployment(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		var req RollbackRequest
		if c.Request.ContentLength > 0 {
			if err := bind(c, &req); err != nil {
				return nil, err
			}
		}
		result, err := h.engine.Rollback(c.Request.Context(), c.Param("id"), req.Reason)
		if result != nil {
			// A revert that completed with errors still reports its result.
			return result, nil
		}
		return nil, err
	})
}

func (h *Handler) UpdateTrafficSplit(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		var req TrafficRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		split, err := h.engine.UpdateTrafficSplit(c.Param("id"), req.Targets)
		if err != nil {
			return nil, err
		}
		return TrafficResponse{TrafficSplit: split}, nil
	})
}

func (h *Handler) CreateFlag(c *gin.Context) {
	handle(c, http.StatusCreated, func(c *gin.Context) (any, error) {
		var flag model.FeatureFlag
		if err := bind(c, &flag); err != nil {
			return nil, err
		}
		return h.flags.Create(c.Request.Context(), flag)
	})
}

func (h *Handler) ListFlags(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		return newList(h.flags.List()), nil
	})
}

func (h *Handler) GetFlag(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		return h.flags.Get(c.Param("key"))
	})
}

func (h *Handler) UpdateFlag(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		var flag model.FeatureFlag
		if err := bind(c, &flag); err != nil {
			return nil, err
		}
		return h.flags.Update(c.Request.Context(), c.Param("key"), flag)
	})
}

func (h *Handler) DeleteFlag(c *gin.Context) {
	handle(c, http.StatusNoContent, func(c *gin.Context) (any, error) {
		return nil, h.flags.Delete(c.Request.Context(), c.Param("key"))
	})
}

func (h *Handler) ToggleFlag(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		return h.flags.Toggle(c.Request.Context(), c.Param("key"))
	})
}

// EvaluateFlag never fails for unknown keys: a missing flag is off.
func (h *Handler) EvaluateFlag(c *gin.Context) {
	handle(c, http.StatusOK, func(c *gin.Context) (any, error) {
		var req EvaluateRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		key := c.Param("key")
		resp := EvaluateResponse{
			Key:     key,
			UserID:  req.UserID,
			Enabled: h.flags.Evaluate(key, req.UserID, req.Context),
		}
		if variant, ok := h.flags.Variant(key, req.UserID, req.Context); ok {
			resp.Variant = variant.Key
		}
		return resp, nil
	})
}
