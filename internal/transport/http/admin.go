package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/ragline/ragline/internal/breaker"
	"github.com/ragline/ragline/internal/dlq"
	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/registry"
	"github.com/ragline/ragline/internal/transport/http/response"
)

// AdminHandler serves the operator surface under /admin/v1.
type AdminHandler struct {
	dlq      *dlq.Manager
	registry *registry.Registry
	breakers *breaker.Registry
}

func NewAdminHandler(d *dlq.Manager, reg *registry.Registry, br *breaker.Registry) *AdminHandler {
	return &AdminHandler{dlq: d, registry: reg, breakers: br}
}

func validTopic(topic string) bool {
	for _, t := range domain.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

// GET /admin/v1/dlq/{topic}
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !validTopic(topic) {
		response.FromError(w, domain.ErrNotFound("unknown topic "+topic), RequestIDFromContext(r.Context()))
		return
	}

	records, err := h.dlq.List(r.Context(), topic, 100)
	if err != nil {
		response.FromError(w, err, RequestIDFromContext(r.Context()))
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.Envelope{Data: records})
}

// GET /admin/v1/dlq/{topic}/stats
func (h *AdminHandler) DLQStats(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !validTopic(topic) {
		response.FromError(w, domain.ErrNotFound("unknown topic "+topic), RequestIDFromContext(r.Context()))
		return
	}

	stats, err := h.dlq.Stats(r.Context(), topic)
	if err != nil {
		response.FromError(w, err, RequestIDFromContext(r.Context()))
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.Envelope{Data: stats})
}

type reprocessRequest struct {
	ID        string `json:"id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (req *reprocessRequest) Bind(*http.Request) error {
	if req.ID == "" && req.Reason == "" && req.EventType == "" {
		return domain.ErrValidation("one of id, reason or event_type is required")
	}
	return nil
}

type reprocessResult struct {
	Moved int `json:"moved"`
}

// POST /admin/v1/dlq/{topic}/reprocess
func (h *AdminHandler) ReprocessDLQ(w http.ResponseWriter, r *http.Request) {
	rid := RequestIDFromContext(r.Context())
	topic := chi.URLParam(r, "topic")
	if !validTopic(topic) {
		response.FromError(w, domain.ErrNotFound("unknown topic "+topic), rid)
		return
	}

	req := &reprocessRequest{}
	if err := render.Bind(r, req); err != nil {
		response.FromError(w, err, rid)
		return
	}

	if req.ID != "" {
		if err := h.dlq.Reprocess(r.Context(), topic, req.ID); err != nil {
			response.FromError(w, err, rid)
			return
		}
		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.Envelope{Data: reprocessResult{Moved: 1}})
		return
	}

	moved, err := h.dlq.ReprocessMatching(r.Context(), topic, func(e domain.DLQEntry) bool {
		if req.Reason != "" && e.Reason != req.Reason {
			return false
		}
		if req.EventType != "" && e.Envelope.EventType != req.EventType {
			return false
		}
		return true
	}, req.Limit)
	if err != nil {
		response.FromError(w, err, rid)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.Envelope{Data: reprocessResult{Moved: moved}})
}

// GET /admin/v1/registry/stats
func (h *AdminHandler) RegistryStats(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.Envelope{Data: h.registry.Stats()})
}

// GET /admin/v1/breakers
func (h *AdminHandler) BreakerStates(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.Envelope{Data: h.breakers.States()})
}

// POST /admin/v1/breakers/{name}/open
func (h *AdminHandler) OpenBreaker(w http.ResponseWriter, r *http.Request) {
	h.breakers.Get(chi.URLParam(r, "name")).ForceOpen()
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.Envelope{Data: h.breakers.States()})
}

// POST /admin/v1/breakers/{name}/close
func (h *AdminHandler) CloseBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.breakers.Lookup(name)
	if !ok {
		response.FromError(w, domain.ErrNotFound("unknown breaker "+name), RequestIDFromContext(r.Context()))
		return
	}
	b.ForceClose()
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.Envelope{Data: h.breakers.States()})
}
