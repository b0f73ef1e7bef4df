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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/security"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Sugar.Errorw("Failed to write JSON response", "error", err)
	}
}

// writeError maps err to a status code and renders it as {"error": "..."}
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	fields := []zap.Field{
		zap.String("path", security.SanitizeLogInput(r.URL.Path)),
		zap.Int("status", status),
		zap.String("kind", speech.Kind(err)),
	}
	if status >= http.StatusInternalServerError {
		logging.LogError(err, "Request failed", fields...)
	} else {
		logging.LogWarn("Request rejected", append(fields, zap.Error(err))...)
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor picks the HTTP status for an error kind
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, speech.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, speech.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, speech.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, speech.ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes a required JSON body
func readJSON(r *http.Request, data interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w: %w", speech.ErrInvalidInput, err)
	}
	defer func() { _ = r.Body.Close() }()

	if err := json.Unmarshal(body, data); err != nil {
		return fmt.Errorf("invalid JSON: %w", speech.ErrInvalidInput)
	}
	return nil
}

// readOptionalJSON decodes a JSON body when one was sent
func readOptionalJSON(r *http.Request, data interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w: %w", speech.ErrInvalidInput, err)
	}
	defer func() { _ = r.Body.Close() }()

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, data); err != nil {
		return fmt.Errorf("invalid JSON: %w", speech.ErrInvalidInput)
	}
	return nil
}

// parseSampleRate reads an optional positive sample rate. An absent value yields 0.
func parseSampleRate(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	rate, err := strconv.Atoi(value)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("invalid sample_rate %q: %w", security.SanitizeLogInput(value), speech.ErrInvalidInput)
	}
	return rate, nil
}
