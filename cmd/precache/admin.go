package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/always-cache/precache"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// newRouter routes the admin endpoints and hands everything else to the
// registration.
func newRouter(reg *precache.Registration, load precache.ConfigLoader) http.Handler {
	r := chi.NewRouter()
	r.Route("/.precache", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, reg.Status())
		})
		r.Post("/sync/{tag}", func(w http.ResponseWriter, r *http.Request) {
			tag := chi.URLParam(r, "tag")
			err := reg.Sync(r.Context(), tag)
			switch {
			case err == nil:
				w.WriteHeader(http.StatusNoContent)
			case errors.Is(err, precache.ErrUnknownSyncTag):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.Is(err, precache.ErrNoActiveWorker):
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			default:
				log.Error().Err(err).Str("tag", tag).Msg("Sync failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
		r.Post("/purge", func(w http.ResponseWriter, r *http.Request) {
			target := r.URL.Query().Get("url")
			if target == "" {
				http.Error(w, "missing url parameter", http.StatusBadRequest)
				return
			}
			n, err := reg.Purge(target)
			switch {
			case errors.Is(err, precache.ErrNoActiveWorker):
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			case err != nil:
				log.Error().Err(err).Str("url", target).Msg("Purge failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
			default:
				writeJSON(w, http.StatusOK, map[string]int{"purged": n})
			}
		})
		r.Post("/update", func(w http.ResponseWriter, r *http.Request) {
			if _, err := reg.Update(r.Context(), load); err != nil {
				log.Error().Err(err).Msg("Update failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, reg.Status())
		})
	})
	r.Handle("/*", reg)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write JSON response")
	}
}
