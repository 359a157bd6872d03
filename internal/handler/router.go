package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/wesplit/settlement/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка расчётов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/splits", func(r chi.Router) {
		r.Get("/{splitID}", h.GetSplit)
		r.Get("/{splitID}/progress", h.GetProgress)
		r.Post("/{splitID}/contributions", h.Contribute)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.Identity)

			r.Post("/", h.CreateSplit)
			r.Get("/", h.ListSplits)
			r.Post("/{splitID}/withdraw", h.Withdraw)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func splitIDParam(r *http.Request) string {
	return chi.URLParam(r, "splitID")
}
