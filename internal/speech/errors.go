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

package speech

import (
	"context"
	"errors"
)

var (
	// ErrInvalidInput is returned for empty text, missing audio or malformed requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownSession is returned for stale or unrecognized streaming session ids
	ErrUnknownSession = errors.New("unknown session")

	// ErrBackendUnavailable is returned when the speech engine refuses, times out or fails mid-stream
	ErrBackendUnavailable = errors.New("speech backend unavailable")

	// ErrTooManySessions is returned when the session limit is reached
	ErrTooManySessions = errors.New("too many active sessions")
)

// Kind names the error kind of err for logs and metrics
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrTooManySessions):
		return "too_many_sessions"
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return "backend_unavailable"
	default:
		return "internal"
	}
}
