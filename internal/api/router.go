package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/idp-studio/engine/internal/api/handlers"
	mw "github.com/idp-studio/engine/internal/api/middleware"
)

type Dependencies struct {
	HMACSecret           []byte
	AuthHandler          *handlers.AuthHandler
	OrganizationsHandler *handlers.OrganizationsHandler
	UsersHandler         *handlers.UsersHandler
	ExecutionsHandler    *handlers.ExecutionsHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	hh := handlers.NewHealthHandler()
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/login", dep.AuthHandler.Login)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/organizations", func(or chi.Router) {
				or.Get("/", dep.OrganizationsHandler.List)
				or.Post("/", dep.OrganizationsHandler.Create)
				or.Get("/{id}", dep.OrganizationsHandler.Get)
				or.Patch("/{id}", dep.OrganizationsHandler.Update)
				or.Delete("/{id}", dep.OrganizationsHandler.Delete)
			})

			protected.Route("/users", func(ur chi.Router) {
				ur.Get("/", dep.UsersHandler.List)
				ur.Post("/", dep.UsersHandler.Create)
				ur.Get("/{id}", dep.UsersHandler.Get)
				ur.Patch("/{id}", dep.UsersHandler.Update)
				ur.Delete("/{id}", dep.UsersHandler.Delete)
			})

			protected.Route("/executions", func(er chi.Router) {
				er.Get("/", dep.ExecutionsHandler.List)
				er.Get("/{id}", dep.ExecutionsHandler.Get)
				er.Post("/{id}/signal", dep.ExecutionsHandler.Signal)
			})
		})
	})

	return r
}
