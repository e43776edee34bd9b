// Package share exposes read-only share links over HTTP: a live token
// resolves to the owner's tombstone-filtered snapshot.
package share

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kmorwick/tabletally/internal/models"
)

// Links is what the handler needs from the backend repository.
type Links interface {
	GetSharedSnapshot(ctx context.Context, token string) (*models.Snapshot, error)
	ExpireShareLink(ctx context.Context, token string) error
}

// Handler serves share-link reads and expirations.
type Handler struct {
	links Links
}

// NewHandler creates a share handler over the given link resolver.
func NewHandler(links Links) *Handler {
	return &Handler{links: links}
}

// Register mounts the share routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /share/{token}", h.getSnapshot)
	mux.HandleFunc("POST /share/{token}/expire", h.expire)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	snap, err := h.links.GetSharedSnapshot(r.Context(), token)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve share link")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "unknown or expired share link", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Error().Err(err).Msg("failed to write share snapshot")
	}
}

func (h *Handler) expire(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	if err := h.links.ExpireShareLink(r.Context(), token); err != nil {
		log.Error().Err(err).Msg("failed to expire share link")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
