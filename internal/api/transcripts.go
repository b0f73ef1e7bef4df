/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/security"
	"github.com/loqalabs/loqa-speech-relay/internal/storage"
)

// TranscriptStore is the history the API reads from
type TranscriptStore interface {
	ListTranscripts(ctx context.Context, options storage.ListOptions) ([]*events.TranscriptEvent, error)
	CountTranscripts(ctx context.Context, options storage.ListOptions) (int64, error)
	GetTranscript(ctx context.Context, uuid string) (*events.TranscriptEvent, error)
	DeleteTranscript(ctx context.Context, uuid string) error
}

// TranscriptsHandler serves the transcript history
type TranscriptsHandler struct {
	store TranscriptStore
}

// NewTranscriptsHandler creates a new transcripts handler
func NewTranscriptsHandler(store TranscriptStore) *TranscriptsHandler {
	return &TranscriptsHandler{store: store}
}

// ListTranscriptsResponse represents the response for listing transcripts
type ListTranscriptsResponse struct {
	Transcripts []*events.TranscriptEvent `json:"transcripts"`
	Total       int64                     `json:"total"`
	Page        int                       `json:"page"`
	PageSize    int                       `json:"page_size"`
	TotalPages  int                       `json:"total_pages"`
}

// Routes returns the history routes, to be mounted under /api/transcripts
func (h *TranscriptsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.listTranscripts)
	r.Get("/{id}", h.getTranscript)
	r.Delete("/{id}", h.deleteTranscript)
	return r
}

// maxPage bounds the page number so (page-1)*pageSize stays representable
const maxPage = 1_000_000

// listTranscripts handles GET /api/transcripts
func (h *TranscriptsHandler) listTranscripts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Pagination
	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100 // Limit maximum page size
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage // Keeps the offset from overflowing
	}

	// Filtering
	options := storage.ListOptions{
		SessionID: query.Get("session_id"),
		Source:    query.Get("source"),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
		SortBy:    query.Get("sort_by"),
		SortOrder: strings.ToUpper(query.Get("sort_order")),
	}

	if successStr := query.Get("success"); successStr != "" {
		if success, err := strconv.ParseBool(successStr); err == nil {
			options.Success = &success
		}
	}

	if startTimeStr := query.Get("start_time"); startTimeStr != "" {
		if startTime, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			options.StartTime = &startTime
		}
	}
	if endTimeStr := query.Get("end_time"); endTimeStr != "" {
		if endTime, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			options.EndTime = &endTime
		}
	}

	total, err := h.store.CountTranscripts(r.Context(), options)
	if err != nil {
		h.writeStoreError(w, err, "Failed to count transcripts")
		return
	}

	transcripts, err := h.store.ListTranscripts(r.Context(), options)
	if err != nil {
		h.writeStoreError(w, err, "Failed to list transcripts")
		return
	}
	if transcripts == nil {
		transcripts = []*events.TranscriptEvent{}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	logging.Sugar.Debugw("Transcripts API request",
		"endpoint", "list",
		"page", page,
		"page_size", pageSize,
		"total_results", total,
		"session_id", security.SanitizeLogInput(options.SessionID),
	)

	writeJSON(w, http.StatusOK, ListTranscriptsResponse{
		Transcripts: transcripts,
		Total:       total,
		Page:        page,
		PageSize:    pageSize,
		TotalPages:  totalPages,
	})
}

// getTranscript handles GET /api/transcripts/{id}
func (h *TranscriptsHandler) getTranscript(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "id")

	event, err := h.store.GetTranscript(r.Context(), uuid)
	if err != nil {
		h.writeStoreError(w, err, "Failed to get transcript", zap.String("uuid", security.SanitizeLogInput(uuid)))
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// deleteTranscript handles DELETE /api/transcripts/{id}
func (h *TranscriptsHandler) deleteTranscript(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "id")

	if err := h.store.DeleteTranscript(r.Context(), uuid); err != nil {
		h.writeStoreError(w, err, "Failed to delete transcript", zap.String("uuid", security.SanitizeLogInput(uuid)))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TranscriptsHandler) writeStoreError(w http.ResponseWriter, err error, message string, fields ...zap.Field) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found"})
	case errors.Is(err, storage.ErrInvalidQuery):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		logging.LogError(err, message, fields...)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Sugar.Errorw("Failed to write JSON response", "error", err)
	}
}

// parseIntParam parses integer parameter with default value
func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}

	if value, err := strconv.Atoi(param); err == nil {
		return value
	}

	return defaultValue
}
