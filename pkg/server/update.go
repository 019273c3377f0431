package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/eonbridge/eonbridge/pkg/eonnext"
	"github.com/eonbridge/eonbridge/pkg/log"
)

// handleUpdate runs a poll cycle immediately. The scheduler hits this
// endpoint on a cron so readings keep flowing even if the in-process ticker
// is disabled.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := s.poller.Poll(ctx)
	if err != nil {
		if errors.Is(err, eonnext.ErrMissingCredentials) {
			log.Ctx(ctx).WarnContext(ctx, "update: no credentials configured")
			writeJSONError(w, "no credentials configured", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "update: poll cycle failed", slog.Any("error", err))
		writeJSONError(w, "poll cycle failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		panic(http.ErrAbortHandler)
	}
}
