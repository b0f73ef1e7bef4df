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
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/audio"
	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/security"
	"github.com/loqalabs/loqa-speech-relay/internal/session"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// transcribeResponse is returned by /transcribe and /asr
type transcribeResponse struct {
	Transcription string              `json:"transcription"`
	Results       []speech.Hypothesis `json:"results"`
	Model         string              `json:"model"`
	Language      string              `json:"language"`
}

// streamStartRequest selects the recognition config of a new session
type streamStartRequest struct {
	Model      string `json:"asr_model"`
	Language   string `json:"asr_language"`
	SampleRate int    `json:"sample_rate"`
}

type streamStartResponse struct {
	SessionID  string `json:"session_id"`
	Model      string `json:"model"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
}

type streamAudioResponse struct {
	Transcription string `json:"transcription"`
	IsFinal       bool   `json:"is_final"`
}

type streamStopResponse struct {
	FinalTranscription string `json:"final_transcription"`
	Model              string `json:"model"`
	Language           string `json:"language"`
}

// upload is a decoded transcription request
type upload struct {
	pcm        []byte
	sampleRate int
	model      string
	language   string
}

// handleTranscribe recognizes one uploaded file
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)

	up, err := s.readUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The backend picks its own model when the client named none
	_, language := s.catalog.ResolveASR(r.Context(), up.model, up.language)
	model := s.modelLabel(r.Context(), up.model)

	event := events.NewTranscriptEvent(events.SourceFile, "")
	event.Model = model
	event.Language = language
	event.SetAudioMetadata(int64(len(up.pcm)), up.sampleRate)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Riva.Timeout)
	defer cancel()

	hypotheses, err := s.recognizer.Recognize(ctx, up.pcm, speech.RecognitionConfig{
		SampleRate:      up.sampleRate,
		Encoding:        speech.EncodingLinearPCM,
		Language:        language,
		Model:           up.model,
		MaxAlternatives: 1,
		Punctuation:     s.cfg.ASR.Punctuation,
	})
	if err != nil {
		event.SetError(err)
		s.recordTranscript(r.Context(), event)
		writeError(w, r, err)
		return
	}

	resp := transcribeResponse{
		Results:  hypotheses,
		Model:    model,
		Language: language,
	}
	if resp.Results == nil {
		resp.Results = []speech.Hypothesis{}
	}
	if len(hypotheses) > 0 {
		resp.Transcription = hypotheses[0].Text
		event.SetTranscription(hypotheses[0].Text, float64(hypotheses[0].Confidence))
	} else {
		event.SetTranscription("", 0)
	}

	logging.LogTranscriptEvent(event, "File transcribed",
		zap.String("model", model),
		zap.Float64("audio_duration", event.AudioDuration),
		zap.Int("transcript_length", len(resp.Transcription)),
		zap.Int64("processing_time_ms", event.ProcessingTime),
	)
	s.recordTranscript(r.Context(), event)

	writeJSON(w, http.StatusOK, resp)
}

// readUpload takes the audio from the "audio" (or "file") multipart field, or
// from the raw body. WAV input is unwrapped to mono PCM at its own rate; raw
// input is PCM at the sample_rate parameter.
func (s *Server) readUpload(r *http.Request) (*upload, error) {
	var data []byte

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.cfg.Server.MaxUploadBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart form: %w: %w", speech.ErrInvalidInput, err)
		}

		file, _, err := r.FormFile("audio")
		if errors.Is(err, http.ErrMissingFile) {
			file, _, err = r.FormFile("file")
		}
		if err != nil {
			return nil, fmt.Errorf("no audio file uploaded: %w", speech.ErrInvalidInput)
		}
		defer file.Close()

		if data, err = io.ReadAll(file); err != nil {
			return nil, fmt.Errorf("failed to read audio file: %w: %w", speech.ErrInvalidInput, err)
		}
	} else {
		var err error
		if data, err = io.ReadAll(r.Body); err != nil {
			return nil, fmt.Errorf("failed to read audio body: %w: %w", speech.ErrInvalidInput, err)
		}
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("no audio file uploaded: %w", speech.ErrInvalidInput)
	}

	rate, err := parseSampleRate(r.FormValue("sample_rate"))
	if err != nil {
		return nil, err
	}
	if rate == 0 {
		rate = s.cfg.ASR.SampleRate
	}

	pcm := data
	if audio.IsWAV(data) {
		wav, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		pcm = wav.MonoPCM()
		rate = wav.Format.SampleRate
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("audio file contains no samples: %w", speech.ErrInvalidInput)
	}

	return &upload{
		pcm:        pcm,
		sampleRate: rate,
		model:      r.FormValue("model"),
		language:   r.FormValue("language"),
	}, nil
}

// handleStreamStart opens a streaming session
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)

	var req streamStartRequest
	if err := readOptionalJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.startSession(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, streamStartResponse{
		SessionID:  info.ID,
		Model:      info.Model,
		Language:   info.Language,
		SampleRate: info.SampleRate,
	})
}

// startSession resolves defaults for req and opens a session. Shared by the
// HTTP and websocket relays.
func (s *Server) startSession(ctx context.Context, req streamStartRequest) (*session.Info, error) {
	if req.SampleRate < 0 {
		return nil, fmt.Errorf("invalid sample_rate %d: %w", req.SampleRate, speech.ErrInvalidInput)
	}
	if req.SampleRate == 0 {
		req.SampleRate = s.cfg.ASR.SampleRate
	}

	_, language := s.catalog.ResolveASR(ctx, req.Model, req.Language)

	info, err := s.sessions.Start(ctx, speech.RecognitionConfig{
		SampleRate:  req.SampleRate,
		Encoding:    speech.EncodingLinearPCM,
		Language:    language,
		Model:       req.Model,
		Punctuation: s.cfg.ASR.Punctuation,
	})
	if err != nil {
		return nil, err
	}
	info.Model = s.modelLabel(ctx, info.Model)
	return info, nil
}

// modelLabel names the model a recognition ran on. An empty model left the
// choice to the backend and is reported as the catalog default.
func (s *Server) modelLabel(ctx context.Context, model string) string {
	if model != "" {
		return model
	}
	return s.catalog.Capabilities(ctx).DefaultASRModel
}

// handleStreamAudio appends one chunk, or polls when the body is empty
func (s *Server) handleStreamAudio(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rate, err := parseSampleRate(r.URL.Query().Get("sample_rate"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	chunk, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to read audio chunk: %w: %w", speech.ErrInvalidInput, err))
		return
	}

	partial, err := s.sessions.Append(r.Context(), id, chunk, rate)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, streamAudioResponse{
		Transcription: partial.Transcription,
		IsFinal:       partial.IsFinal,
	})
}

// handleStreamStop finalizes a session
func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	start := time.Now()
	final, err := s.sessions.Stop(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.Sugar.Debugw("Streaming session stopped",
		"session_id", id,
		"transcript_length", len(final.Transcription),
		"drain_time", time.Since(start))

	writeJSON(w, http.StatusOK, streamStopResponse{
		FinalTranscription: final.Transcription,
		Model:              s.modelLabel(r.Context(), final.Model),
		Language:           final.Language,
	})
}

// handleStreamStatus describes an active session
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	info, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, r, fmt.Errorf("session %s: %w", id, speech.ErrUnknownSession))
		return
	}
	info.Model = s.modelLabel(r.Context(), info.Model)

	writeJSON(w, http.StatusOK, info)
}

// sessionIDParam reads the session id path parameter. Ids the manager could
// never have issued are reported as unknown sessions.
func sessionIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "session_id")
	if err := security.ValidateSessionID(id); err != nil {
		return "", fmt.Errorf("session %q: %w", security.SanitizeLogInput(id), speech.ErrUnknownSession)
	}
	return id, nil
}
