package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	appI18n "github.com/someta/mathhelper/internal/i18n"
	"github.com/someta/mathhelper/internal/model"
)

const (
	defaultInteractionLimit = 50
	maxInteractionLimit     = 500
)

func (h *Handler) handleInteractions(w http.ResponseWriter, r *http.Request) {
	limit := defaultInteractionLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(r.Context(), "ErrorInvalidLimit")})
			return
		}
		limit = min(n, maxInteractionLimit)
	}

	entries, err := h.store.ListInteractions(limit)
	if err != nil {
		slog.Error("failed to list interactions", "error", err)
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"count":        len(entries),
		"interactions": entries,
	})
}
