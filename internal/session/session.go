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

package session

import (
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// Info describes an active session
type Info struct {
	ID           string    `json:"session_id"`
	Model        string    `json:"model"`
	Language     string    `json:"language"`
	SampleRate   int       `json:"sample_rate"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Partial is the transcript state returned by an append
type Partial struct {
	Transcription string
	IsFinal       bool
}

// Final is the transcript returned when a session is stopped
type Final struct {
	Transcription string
	Model         string
	Language      string
}

// session is one open streaming recognition. mu is held for the length of a
// single append or stop; the transcript fields are guarded by stateMu because
// the receive goroutine updates them while an append may be in flight.
type session struct {
	id        string
	cfg       speech.RecognitionConfig
	stream    speech.RecognitionStream
	startedAt time.Time

	mu        sync.Mutex
	finalized bool
	chunks    int
	bytesSent int64

	stateMu      sync.Mutex
	finals       []string
	interim      string
	lastFinal    bool
	lastActivity time.Time

	// updated receives a token whenever the receive goroutine folds a result
	updated  chan struct{}
	recvDone chan struct{}
}

func newSession(id string, cfg speech.RecognitionConfig, stream speech.RecognitionStream) *session {
	now := time.Now()
	return &session{
		id:           id,
		cfg:          cfg,
		stream:       stream,
		startedAt:    now,
		lastActivity: now,
		updated:      make(chan struct{}, 1),
		recvDone:     make(chan struct{}),
	}
}

// receive folds backend results into the transcript until the stream ends
func (s *session) receive() {
	defer close(s.recvDone)

	for result := range s.stream.Results() {
		s.stateMu.Lock()
		if result.IsFinal {
			if result.Transcript != "" {
				s.finals = append(s.finals, result.Transcript)
			}
			s.interim = ""
		} else {
			s.interim = result.Transcript
		}
		s.lastFinal = result.IsFinal
		s.stateMu.Unlock()

		select {
		case s.updated <- struct{}{}:
		default:
		}
	}
}

// partial returns the finalized segments followed by the latest interim hypothesis
func (s *session) partial() Partial {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	parts := s.finals
	if s.interim != "" {
		parts = append(parts[:len(parts):len(parts)], s.interim)
	}
	return Partial{
		Transcription: strings.Join(parts, " "),
		IsFinal:       s.lastFinal,
	}
}

// finalText is the best final transcript: the joined final segments, or the
// last interim hypothesis when the backend never finalized one
func (s *session) finalText() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if len(s.finals) > 0 {
		return strings.Join(s.finals, " ")
	}
	return s.interim
}

func (s *session) touch() {
	s.stateMu.Lock()
	s.lastActivity = time.Now()
	s.stateMu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastActivity
}

// drainUpdated discards a stale update token so the next wait observes only
// results produced after it
func (s *session) drainUpdated() {
	select {
	case <-s.updated:
	default:
	}
}

func (s *session) receiveDone() bool {
	select {
	case <-s.recvDone:
		return true
	default:
		return false
	}
}

func (s *session) info() *Info {
	return &Info{
		ID:           s.id,
		Model:        s.cfg.Model,
		Language:     s.cfg.Language,
		SampleRate:   s.cfg.SampleRate,
		StartedAt:    s.startedAt,
		LastActivity: s.idleSince(),
	}
}
