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

package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transcript sources
const (
	SourceStream = "stream"
	SourceFile   = "file"
)

// TranscriptEvent records one finished recognition, either a streaming
// session that was stopped or evicted, or a one-shot file transcription
type TranscriptEvent struct {
	// Core identification
	UUID      string    `json:"uuid" db:"uuid"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	Source    string    `json:"source" db:"source"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// Recognition config
	Model      string `json:"model" db:"model"`
	Language   string `json:"language" db:"language"`
	SampleRate int    `json:"sample_rate" db:"sample_rate"`

	// Audio metadata
	AudioBytes    int64   `json:"audio_bytes" db:"audio_bytes"`
	AudioDuration float64 `json:"audio_duration" db:"audio_duration"`
	Chunks        int     `json:"chunks" db:"chunks"`

	// Results
	Transcription  string  `json:"transcription" db:"transcription"`
	Confidence     float64 `json:"confidence" db:"confidence"`
	Evicted        bool    `json:"evicted" db:"evicted"`
	ProcessingTime int64   `json:"processing_time_ms" db:"processing_time_ms"`
	Success        bool    `json:"success" db:"success"`
	ErrorMessage   string  `json:"error_message,omitempty" db:"error_message"`
}

// NewTranscriptEvent creates a TranscriptEvent with a time-ordered UUID and the current timestamp
func NewTranscriptEvent(source, sessionID string) *TranscriptEvent {
	return &TranscriptEvent{
		UUID:      newEventID(),
		SessionID: sessionID,
		Source:    source,
		Timestamp: time.Now(),
		Success:   true,
	}
}

// newEventID prefers UUIDv7 so ids sort by creation time in the database
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// GetUUID returns the event id for structured logging
func (te *TranscriptEvent) GetUUID() string {
	return te.UUID
}

// SetAudioMetadata records the amount of 16-bit mono PCM that was recognized
func (te *TranscriptEvent) SetAudioMetadata(audioBytes int64, sampleRate int) {
	te.AudioBytes = audioBytes
	te.SampleRate = sampleRate
	if sampleRate > 0 {
		te.AudioDuration = float64(audioBytes/2) / float64(sampleRate)
	}
}

// SetTranscription sets the recognized text and marks processing as complete
func (te *TranscriptEvent) SetTranscription(text string, confidence float64) {
	te.Transcription = text
	te.Confidence = confidence
	te.ProcessingTime = time.Since(te.Timestamp).Milliseconds()
}

// SetError marks the event as failed with an error message
func (te *TranscriptEvent) SetError(err error) {
	te.Success = false
	te.ErrorMessage = err.Error()
	te.ProcessingTime = time.Since(te.Timestamp).Milliseconds()
}

// IsValid performs basic validation on the transcript event
func (te *TranscriptEvent) IsValid() error {
	if te.UUID == "" {
		return fmt.Errorf("UUID is required")
	}

	if te.Source != SourceStream && te.Source != SourceFile {
		return fmt.Errorf("unknown source %q", te.Source)
	}

	if te.Source == SourceStream && te.SessionID == "" {
		return fmt.Errorf("sessionID is required for streamed transcripts")
	}

	if te.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if te.Confidence < 0 || te.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1")
	}

	return nil
}

// String returns a human-readable representation of the transcript event
func (te *TranscriptEvent) String() string {
	return fmt.Sprintf("TranscriptEvent{UUID: %s, Source: %s, SessionID: %s, Transcription: %q, Evicted: %t, Success: %t}",
		te.UUID, te.Source, te.SessionID, te.Transcription, te.Evicted, te.Success)
}
