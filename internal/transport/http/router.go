package httptransport

import (
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"slice-duel/internal/config"
	"slice-duel/internal/docstore"
	"slice-duel/internal/mcpserver"
	"slice-duel/internal/room"
	"slice-duel/internal/ws"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Deps are the hub components the router serves.
type Deps struct {
	Store  docstore.Store
	Rooms  *room.Service
	WS     *ws.Server
	MCP    *mcpserver.Server
	Pinger Pinger
}

func NewRouter(deps Deps, cfg config.HubConfig) *chi.Mux {
	storeHandlers := NewStoreHandlers(deps.Store)
	roomHandlers := NewRoomHandlers(deps.Rooms, cfg.PublicBaseURL, cfg.StaleAfter)
	adminHandlers := NewAdminHandlers(cfg.Backend, deps.Pinger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.With(APILogMiddleware()).Get("/healthz", adminHandlers.Health())
	if deps.WS != nil {
		r.Get("/ws", deps.WS.HandleWS)
	}
	if deps.MCP != nil {
		r.With(APILogMiddleware()).MethodFunc(http.MethodOptions, "/mcp", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Allow", "POST, GET, DELETE, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
		})
		r.With(APILogMiddleware()).Method(http.MethodPost, "/mcp", deps.MCP.Handler())
		r.With(APILogMiddleware()).Method(http.MethodGet, "/mcp", deps.MCP.Handler())
		r.With(APILogMiddleware()).Method(http.MethodDelete, "/mcp", deps.MCP.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Get("/store/*", storeHandlers.Get())
		r.Put("/store/*", storeHandlers.Put())
		r.Patch("/store/*", storeHandlers.Patch())
		r.Delete("/store/*", storeHandlers.Delete())
		r.Post("/store/*", storeHandlers.Push())
		r.Get("/query/*", storeHandlers.Query())

		r.Get("/rooms/{code}", roomHandlers.Share())
		r.Get("/rooms/{code}/qr.png", roomHandlers.QR())

		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(cfg.AdminAPIKey))
			r.Post("/admin/sweep", roomHandlers.Sweep())

			r.Route("/debug", func(r chi.Router) {
				r.Use(BodyCaptureMiddleware(4096))
				r.Get("/vars", expvar.Handler().ServeHTTP)
			})
		})
	})
	return r
}

func LogRoutes(r chi.Router) {
	type routeDef struct {
		Method string
		Path   string
	}
	routes := make([]routeDef, 0, 32)
	err := chi.Walk(r, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, routeDef{Method: method, Path: route})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("walk routes failed")
		return
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Registered routes (%d):\n", len(routes)))
	for _, rt := range routes {
		b.WriteString(fmt.Sprintf("  %-6s %s\n", rt.Method, rt.Path))
	}
	fmt.Print(b.String())
}
