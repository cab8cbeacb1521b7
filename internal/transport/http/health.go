package http

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/ragline/ragline/internal/transport/http/response"
)

// Pinger is the liveness probe surface of the stream bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthHandler struct {
	db  *sql.DB
	bus Pinger
}

// Healthz reports readiness of the database and the stream bus.
func (h *healthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"db": "ok", "bus": "ok"}
	healthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			status["db"] = err.Error()
			healthy = false
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			status["bus"] = err.Error()
			healthy = false
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	response.JSON(w, code, status)
}
