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
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/audio"
	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/security"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

const (
	audioRoute    = "/tts/audio/"
	wavMediaType  = "audio/wav"
	maxTextBytes  = 64 << 10
	formatFile    = "file"
	saveParamName = "save"
)

// ttsRequest is accepted as JSON or as a urlencoded form
type ttsRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
	Format   string `json:"format"` // "file" saves the audio and returns a reference
}

type ttsFileResponse struct {
	AudioFile string `json:"audio_file"`
	Voice     string `json:"voice"`
	Language  string `json:"language"`
}

// readTTSRequest decodes and validates a synthesis request
func readTTSRequest(w http.ResponseWriter, r *http.Request) (*ttsRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTextBytes)

	var req ttsRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		req.Text = r.FormValue("text")
		req.Voice = r.FormValue("voice")
		req.Language = r.FormValue("language")
		req.Format = r.FormValue("format")
	default:
		if err := readJSON(r, &req); err != nil {
			return nil, err
		}
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, fmt.Errorf("text is required: %w", speech.ErrInvalidInput)
	}
	return &req, nil
}

func (s *Server) synthesisRequest(ctx context.Context, req *ttsRequest) speech.SynthesisRequest {
	voice, language := s.catalog.ResolveTTS(ctx, req.Voice, req.Language)
	return speech.SynthesisRequest{
		Text:       req.Text,
		Voice:      voice,
		Language:   language,
		SampleRate: s.cfg.TTS.SampleRate,
		Encoding:   speech.EncodingLinearPCM,
	}
}

// handleSynthesize returns the whole utterance as a WAV file, or saves it and
// returns a reference when asked to
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	req, err := readTTSRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	synthReq := s.synthesisRequest(r.Context(), req)
	event := events.NewSynthesisEvent(synthReq.Voice, synthReq.Language, len(synthReq.Text))

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Riva.Timeout)
	defer cancel()

	pcm, err := s.synthesizer.Synthesize(ctx, synthReq)
	if err == nil && len(pcm) == 0 {
		err = fmt.Errorf("backend returned no audio: %w", speech.ErrBackendUnavailable)
	}
	if err != nil {
		event.SetError(err)
		s.recordSynthesis(r.Context(), event)
		writeError(w, r, err)
		return
	}

	wav := audio.EncodeWAV(pcm, synthReq.SampleRate)
	event.SetResult(int64(len(wav)), synthReq.SampleRate)

	save, _ := strconv.ParseBool(r.URL.Query().Get(saveParamName))
	if save || req.Format == formatFile {
		name, err := s.saveAudio(wav)
		if err != nil {
			event.SetError(err)
			s.recordSynthesis(r.Context(), event)
			writeError(w, r, err)
			return
		}
		event.AudioFile = name
		s.recordSynthesis(r.Context(), event)

		writeJSON(w, http.StatusOK, ttsFileResponse{
			AudioFile: audioRoute + name,
			Voice:     synthReq.Voice,
			Language:  synthReq.Language,
		})
		return
	}

	s.recordSynthesis(r.Context(), event)

	w.Header().Set("Content-Type", wavMediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(wav); err != nil {
		logging.LogError(err, "Failed to write synthesized audio", zap.String("event_uuid", event.UUID))
	}
}

// saveAudio writes wav under the audio directory with a fresh name
func (s *Server) saveAudio(wav []byte) (string, error) {
	dir := s.cfg.TTS.AudioDir
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create audio directory: %w", err)
	}

	name := uuid.NewString() + ".wav"
	if err := os.WriteFile(filepath.Join(dir, name), wav, 0o600); err != nil {
		return "", fmt.Errorf("failed to save synthesized audio: %w", err)
	}

	logging.LogTTSOperation("audio_saved",
		zap.String("file", name),
		zap.Int("bytes", len(wav)))
	return name, nil
}

// handleSynthesizeStream relays audio chunks as the backend produces them.
// The response is a WAV stream of unknown length.
func (s *Server) handleSynthesizeStream(w http.ResponseWriter, r *http.Request) {
	req, err := readTTSRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	synthReq := s.synthesisRequest(r.Context(), req)
	event := events.NewSynthesisEvent(synthReq.Voice, synthReq.Language, len(synthReq.Text))
	event.Streamed = true

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Riva.Timeout)
	defer cancel()

	stream, err := s.synthesizer.SynthesizeStream(ctx, synthReq)
	if err != nil {
		event.SetError(err)
		s.recordSynthesis(r.Context(), event)
		writeError(w, r, err)
		return
	}
	defer func() { _ = stream.Close() }()

	// Pull the first chunk before committing to a 200 so that an immediate
	// backend failure still gets a JSON error
	first, err := stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		event.SetError(err)
		s.recordSynthesis(r.Context(), event)
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", wavMediaType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	total := int64(0)
	write := func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		total += int64(len(chunk))
		return rc.Flush()
	}

	streamErr := write(audio.StreamingHeader(synthReq.SampleRate))
	if streamErr == nil && len(first) > 0 {
		streamErr = write(first)
	}
	for streamErr == nil && err == nil {
		var chunk []byte
		chunk, err = stream.Next()
		if err != nil {
			break
		}
		streamErr = write(chunk)
	}
	if streamErr == nil && err != nil && !errors.Is(err, io.EOF) {
		streamErr = err
	}

	event.SetResult(total, synthReq.SampleRate)
	if streamErr != nil {
		// Headers are already sent; the client sees a truncated stream
		event.SetError(streamErr)
		logging.LogError(streamErr, "Synthesis stream interrupted",
			zap.String("event_uuid", event.UUID),
			zap.Int64("bytes_sent", total))
	}
	s.recordSynthesis(r.Context(), event)
}

// handleSynthesizedAudio serves a previously saved synthesis file
func (s *Server) handleSynthesizedAudio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if err := security.ValidateAudioFilename(name); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", speech.ErrInvalidInput, err))
		return
	}

	path := filepath.Join(s.cfg.TTS.AudioDir, name)
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "audio file not found"})
		return
	}

	w.Header().Set("Content-Type", wavMediaType)
	http.ServeFile(w, r, path)
}
