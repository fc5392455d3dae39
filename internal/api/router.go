package api

import (
	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes, meant to be mounted
// at /api. authEnabled controls whether Bearer token auth is enforced.
func NewRouter(d Deps, authEnabled bool, token string) chi.Router {
	h := NewHandler(d)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Page bindings.
	r.Post("/bind/execute", h.Execute)
	r.Post("/bind/execute-python", h.ExecutePython)
	r.Post("/bind/save-scene", h.SaveScene)
	r.Post("/bind/store", h.Store)

	r.Get("/macros", h.ListMacros)

	r.Get("/scenes", h.ListScenes)
	r.Get("/scenes/{name}", h.GetScene)
	r.Delete("/scenes/{name}", h.DeleteScene)

	r.Get("/assets", h.ListAssets)
	r.Post("/assets", h.UploadAsset)

	// Results of scripts pushed to the page.
	r.Post("/ui/scripts/{id}", h.ScriptResult)

	// SSE endpoint (protected by same auth middleware).
	if d.Events != nil {
		r.Get("/events", d.Events.ServeHTTP)
	}

	return r
}
