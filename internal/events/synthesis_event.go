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
)

// SynthesisEvent records one text-to-speech request
type SynthesisEvent struct {
	UUID      string    `json:"uuid" db:"uuid"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	Voice      string `json:"voice" db:"voice"`
	Language   string `json:"language" db:"language"`
	TextLength int    `json:"text_length" db:"text_length"`
	SampleRate int    `json:"sample_rate" db:"sample_rate"`
	Streamed   bool   `json:"streamed" db:"streamed"`

	AudioBytes     int64  `json:"audio_bytes" db:"audio_bytes"`
	AudioFile      string `json:"audio_file,omitempty" db:"audio_file"`
	ProcessingTime int64  `json:"processing_time_ms" db:"processing_time_ms"`
	Success        bool   `json:"success" db:"success"`
	ErrorMessage   string `json:"error_message,omitempty" db:"error_message"`
}

// NewSynthesisEvent creates a SynthesisEvent for the given request parameters
func NewSynthesisEvent(voice, language string, textLength int) *SynthesisEvent {
	return &SynthesisEvent{
		UUID:       newEventID(),
		Timestamp:  time.Now(),
		Voice:      voice,
		Language:   language,
		TextLength: textLength,
		Success:    true,
	}
}

func (se *SynthesisEvent) GetUUID() string {
	return se.UUID
}

// SetResult records the produced audio and marks processing as complete
func (se *SynthesisEvent) SetResult(audioBytes int64, sampleRate int) {
	se.AudioBytes = audioBytes
	se.SampleRate = sampleRate
	se.ProcessingTime = time.Since(se.Timestamp).Milliseconds()
}

func (se *SynthesisEvent) SetError(err error) {
	se.Success = false
	se.ErrorMessage = err.Error()
	se.ProcessingTime = time.Since(se.Timestamp).Milliseconds()
}

func (se *SynthesisEvent) String() string {
	return fmt.Sprintf("SynthesisEvent{UUID: %s, Voice: %s, TextLength: %d, AudioBytes: %d, Streamed: %t, Success: %t}",
		se.UUID, se.Voice, se.TextLength, se.AudioBytes, se.Streamed, se.Success)
}
