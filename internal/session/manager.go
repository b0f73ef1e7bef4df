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

// Package session keeps the streaming recognition sessions opened by clients
// that upload audio in chunks over separate requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// Options tune session lifetime and backend call bounds
type Options struct {
	IdleTimeout   time.Duration // Sessions without activity for this long are evicted; 0 disables eviction
	SweepInterval time.Duration // How often idle sessions are looked for
	MaxSessions   int           // Upper bound on concurrently open sessions; 0 means unlimited
	CallTimeout   time.Duration // Bound on opening, sending to and draining a backend stream
	ResultWait    time.Duration // How long an append waits for a result after forwarding audio
}

// DefaultOptions returns the production session settings
func DefaultOptions() Options {
	return Options{
		IdleTimeout:   2 * time.Minute,
		SweepInterval: 15 * time.Second,
		MaxSessions:   100,
		CallTimeout:   10 * time.Second,
		ResultWait:    250 * time.Millisecond,
	}
}

// Manager maps session ids to open backend streams. The map lock guards
// insert, remove and lookup only; each session has its own lock held for the
// duration of one append or stop.
type Manager struct {
	recognizer speech.Recognizer
	opts       Options
	sink       events.Sink

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates a manager and starts its idle sweeper. sink may be nil.
func NewManager(recognizer speech.Recognizer, opts Options, sink events.Sink) *Manager {
	defaults := DefaultOptions()
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaults.CallTimeout
	}

	m := &Manager{
		recognizer: recognizer,
		opts:       opts,
		sink:       sink,
		sessions:   make(map[string]*session),
		stopCh:     make(chan struct{}),
	}

	if opts.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	logging.Sugar.Infow("Session manager started",
		"idle_timeout", opts.IdleTimeout,
		"sweep_interval", opts.SweepInterval,
		"max_sessions", opts.MaxSessions,
	)

	return m
}

// Start opens a backend stream with cfg and registers it under a new id.
// The config is fixed for the life of the session.
func (m *Manager) Start(ctx context.Context, cfg speech.RecognitionConfig) (*Info, error) {
	cfg = cfg.WithDefaults()
	cfg.InterimResults = true

	if err := m.checkCapacity(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	openCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	stream, err := m.recognizer.OpenStream(openCtx, cfg)
	if err != nil {
		logging.LogError(err, "Failed to open recognition stream",
			zap.String("model", cfg.Model),
			zap.String("language", cfg.Language),
		)
		return nil, backendError("open stream", err)
	}

	s := newSession(id.String(), cfg, stream)

	m.mu.Lock()
	if err := m.checkCapacityLocked(); err != nil {
		m.mu.Unlock()
		_ = stream.Close()
		return nil, err
	}
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	go s.receive()

	logging.LogSessionEvent(s.id, "started",
		zap.String("model", cfg.Model),
		zap.String("language", cfg.Language),
		zap.Int("sample_rate", cfg.SampleRate),
		zap.Int("active_sessions", active),
	)

	return s.info(), nil
}

func (m *Manager) checkCapacity() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkCapacityLocked()
}

func (m *Manager) checkCapacityLocked() error {
	if m.closed {
		return fmt.Errorf("session manager is shut down: %w", speech.ErrBackendUnavailable)
	}
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		return fmt.Errorf("%d sessions open: %w", len(m.sessions), speech.ErrTooManySessions)
	}
	return nil
}

// Append forwards audio to the session's backend stream and returns the
// latest transcript. Empty audio is not forwarded; the call then only reports
// what the backend has produced so far. A non-zero sampleRate must match the
// rate the session was started with.
func (m *Manager) Append(ctx context.Context, id string, audio []byte, sampleRate int) (Partial, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Partial{}, err
	}

	if sampleRate > 0 && sampleRate != s.cfg.SampleRate {
		return Partial{}, fmt.Errorf("sample rate %d does not match session rate %d: %w",
			sampleRate, s.cfg.SampleRate, speech.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return Partial{}, fmt.Errorf("session %s: %w", id, speech.ErrUnknownSession)
	}
	s.touch()

	if len(audio) == 0 {
		return s.partial(), nil
	}

	// The backend already ended the stream. A clean end keeps serving the
	// last transcript; a failure is reported until the client stops.
	if s.receiveDone() {
		if err := s.stream.Err(); err != nil {
			return s.partial(), backendError("append", err)
		}
		return s.partial(), nil
	}

	s.drainUpdated()

	sendCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	if err := s.stream.Send(sendCtx, audio); err != nil {
		logging.LogError(err, "Failed to forward audio chunk",
			zap.String("session_id", id),
			zap.Int("chunk", s.chunks+1),
		)
		return s.partial(), backendError("append", err)
	}
	s.chunks++
	s.bytesSent += int64(len(audio))

	if m.opts.ResultWait > 0 {
		timer := time.NewTimer(m.opts.ResultWait)
		defer timer.Stop()

		select {
		case <-s.updated:
		case <-s.recvDone:
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	return s.partial(), nil
}

// Stop removes the session, half-closes its backend stream and returns the
// final transcript. A second Stop for the same id fails with ErrUnknownSession.
func (m *Manager) Stop(ctx context.Context, id string) (Final, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return Final{}, fmt.Errorf("session %s: %w", id, speech.ErrUnknownSession)
	}

	return m.finalize(ctx, s, false), nil
}

// finalize drains the session's stream and records its transcript. The
// session must already be out of the map, so exactly one caller finalizes it.
// Whatever text arrived before a backend failure is still returned.
func (m *Manager) finalize(ctx context.Context, s *session, evicted bool) Final {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	defer cancel()

	s.mu.Lock()
	s.finalized = true

	err := s.stream.Finish(finishCtx)
	if err == nil {
		select {
		case <-s.recvDone:
		case <-finishCtx.Done():
			err = backendError("drain stream", finishCtx.Err())
		}
	}
	_ = s.stream.Close()

	text := s.finalText()
	chunks, bytesSent := s.chunks, s.bytesSent
	s.mu.Unlock()

	action := "stopped"
	if evicted {
		action = "evicted"
	}
	fields := []zap.Field{
		zap.Int("chunks", chunks),
		zap.Int64("audio_bytes", bytesSent),
		zap.Int("transcript_length", len(text)),
		zap.Duration("duration", time.Since(s.startedAt)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logging.LogSessionEvent(s.id, action, fields...)

	if m.sink != nil {
		event := events.NewTranscriptEvent(events.SourceStream, s.id)
		event.Timestamp = s.startedAt
		event.Model = s.cfg.Model
		event.Language = s.cfg.Language
		event.Chunks = chunks
		event.Evicted = evicted
		event.SetAudioMetadata(bytesSent, s.cfg.SampleRate)
		event.SetTranscription(text, 0)
		if err != nil {
			event.SetError(err)
		}
		if sinkErr := m.sink.RecordTranscript(finishCtx, event); sinkErr != nil {
			logging.LogError(sinkErr, "Failed to record session transcript", zap.String("session_id", s.id))
		}
	}

	return Final{
		Transcription: text,
		Model:         s.cfg.Model,
		Language:      s.cfg.Language,
	}
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, speech.ErrUnknownSession)
	}
	return s, nil
}

// Get returns a snapshot of an active session
func (m *Manager) Get(id string) (*Info, bool) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, false
	}
	return s.info(), true
}

// Len returns the number of active sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if n := m.evictIdle(now); n > 0 {
				logging.Sugar.Infow("Evicted idle sessions", "count", n, "active_sessions", m.Len())
			}
		}
	}
}

// evictIdle finalizes every session idle since before now minus IdleTimeout
func (m *Manager) evictIdle(now time.Time) int {
	cutoff := now.Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var expired []*session
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	m.finalizeAll(expired, true)
	return len(expired)
}

func (m *Manager) finalizeAll(sessions []*session, evicted bool) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			m.finalize(context.Background(), s, evicted)
		}(s)
	}
	wg.Wait()
}

// Close stops the sweeper and finalizes every open session. Start fails
// afterwards.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		m.closed = true
		remaining := make([]*session, 0, len(m.sessions))
		for _, s := range m.sessions {
			remaining = append(remaining, s)
		}
		m.sessions = make(map[string]*session)
		m.mu.Unlock()

		m.finalizeAll(remaining, false)
		logging.Sugar.Infow("Session manager closed", "finalized_sessions", len(remaining))
	})
	return nil
}

// backendError keeps the speech error kind of err, defaulting to ErrBackendUnavailable
func backendError(op string, err error) error {
	switch {
	case errors.Is(err, speech.ErrBackendUnavailable),
		errors.Is(err, speech.ErrInvalidInput),
		errors.Is(err, speech.ErrTooManySessions):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, err, speech.ErrBackendUnavailable)
	}
}
