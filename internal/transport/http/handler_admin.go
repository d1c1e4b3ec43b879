package httptransport

import (
	"context"
	"net/http"
)

// Pinger is implemented by backends that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type AdminHandlers struct {
	backend string
	pinger  Pinger
}

func NewAdminHandlers(backend string, pinger Pinger) *AdminHandlers {
	return &AdminHandlers{backend: backend, pinger: pinger}
}

func (h *AdminHandlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.pinger != nil {
			if err := h.pinger.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "store": h.backend, "db": "down"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "store": h.backend})
	}
}
