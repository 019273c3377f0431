package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/types"
)

func (s *Server) handleMeters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snaps := s.poller.Snapshots()
	if len(snaps) == 0 {
		// nothing polled yet this process, fall back to the stored meters so a
		// restart doesn't present an empty account
		meters, err := s.storage.ListMeters(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to list meters", slog.Any("error", err))
			writeJSONError(w, "failed to list meters", http.StatusInternalServerError)
			return
		}
		snaps = make([]types.MeterSnapshot, len(meters))
		for i, m := range meters {
			snaps[i] = types.MeterSnapshot{Meter: m, Stale: true}
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snaps); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHistoryConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	serial := r.URL.Query().Get("serial")
	if serial == "" {
		writeJSONError(w, "serial required", http.StatusBadRequest)
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	readings, err := s.storage.GetConsumptionHistory(ctx, serial, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get consumption", slog.String("serial", serial), slog.Any("error", err))
		writeJSONError(w, "failed to get consumption", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	// Set Cache-Control headers
	// If the range ends before today (midnight today), cache for 24 hours.
	// Otherwise, cache for 1 minute.
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}

	if err := json.NewEncoder(w).Encode(readings); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	// half-hourly data is small, a month per request is plenty
	if end.Sub(start) > 31*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 31 days")
	}

	return start, end, nil
}
