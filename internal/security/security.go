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

package security

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidSessionID is returned when a streaming session id format is invalid
	ErrInvalidSessionID = errors.New("invalid session ID")

	// ErrInvalidAudioFilename is returned when a synthesized audio filename is unsafe
	ErrInvalidAudioFilename = errors.New("invalid audio filename")

	// sessionIDPattern accepts the canonical UUID text form
	sessionIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// audioFilenamePattern validates names produced for saved synthesis output
	audioFilenamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+\.wav$`)
)

// SanitizeLogInput removes newline characters to prevent log injection attacks
// This function should be used for all user-controlled data before logging
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	return sanitized
}

// ValidateSessionID checks that a path-supplied session id has the shape of
// ids the session manager hands out
func ValidateSessionID(sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return ErrInvalidSessionID
	}
	return nil
}

// ValidateAudioFilename ensures a requested synthesis file name cannot escape
// the audio directory. Only alphanumeric ASCII, dashes and underscores are
// allowed, followed by a .wav suffix.
func ValidateAudioFilename(name string) error {
	if name == "" {
		return ErrInvalidAudioFilename
	}

	// Check for path separators or parent directory references (CodeQL recommendation)
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return ErrInvalidAudioFilename
	}

	if !audioFilenamePattern.MatchString(name) {
		return ErrInvalidAudioFilename
	}

	return nil
}
